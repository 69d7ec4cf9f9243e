package memory

import (
	"encoding/json"
	"fmt"
)

// BucketNames lists the persistence buckets in write order. Durable stores
// keep one JSON payload per bucket.
var BucketNames = []string{"ingredients", "inventories", "lots", "usage_records", "recipes", "production_runs"}

func (s *Snapshot) bucketTargets() map[string]any {
	return map[string]any{
		"ingredients":     &s.Ingredients,
		"inventories":     &s.Inventories,
		"lots":            &s.Lots,
		"usage_records":   &s.UsageRecords,
		"recipes":         &s.Recipes,
		"production_runs": &s.ProductionRuns,
	}
}

// EncodeBuckets marshals every bucket of the snapshot.
func (s Snapshot) EncodeBuckets() (map[string][]byte, error) {
	targets := s.bucketTargets()
	out := make(map[string][]byte, len(BucketNames))
	for _, bucket := range BucketNames {
		data, err := json.Marshal(targets[bucket])
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", bucket, err)
		}
		out[bucket] = data
	}
	return out, nil
}

// DecodeBucket unmarshals one bucket payload into the snapshot. Unknown
// buckets and empty payloads are ignored.
func (s *Snapshot) DecodeBucket(bucket string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	target, ok := s.bucketTargets()[bucket]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}
