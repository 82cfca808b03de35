package cache

import (
	"hash/fnv"
)

// BucketCount is the default shard count for the response cache's
// fingerprint-hash bucketing scheme, used to spread a hot model/endpoint
// across multiple Redis keys rather than one.
const BucketCount = 16

// BucketKey returns the sharded cache key for (seed, fingerprint): the
// fingerprint (typically a hash of provider+model+messages+params)
// combined with a per-deployment seed, hashed and reduced mod buckets so
// that repeated requests for the same content land on the same shard.
func BucketKey(seed, fingerprint string, buckets int) string {
	if buckets <= 0 {
		buckets = BucketCount
	}
	h := fnv.New64a()
	h.Write([]byte(seed))
	h.Write([]byte("|"))
	h.Write([]byte(fingerprint))
	sum := h.Sum64()
	bucket := sum % uint64(buckets)

	return "cache:" + fingerprint + ":b" + itoa(bucket)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}
