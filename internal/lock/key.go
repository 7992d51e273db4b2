package lock

import (
	"fmt"
	"strconv"
	"strings"
)

// PartitionID identifies the tenant a resource belongs to when several
// partitions share one physical store.
type PartitionID int

// DefaultPartitionID is the partition used by protocol versions that address
// a single tenant per store.
const DefaultPartitionID PartitionID = 1

// MaxKeyLength is the width of the store's resource column.
const MaxKeyLength = 255

const keyDelimiter = ":"

// EncodeKey returns the store lock name for resource in partition:
// "{partition}:{resource}". Callers must keep partitioned names unambiguous;
// the encoding does not escape the delimiter inside resource.
func EncodeKey(partition PartitionID, resource string) (string, error) {
	if resource == "" {
		return "", fmt.Errorf("%w: resource name is empty", ErrInvalidArgument)
	}
	key := strconv.Itoa(int(partition)) + keyDelimiter + resource
	if len(key) > MaxKeyLength {
		return "", fmt.Errorf("%w: lock key for %q is %d characters, limit is %d",
			ErrInvalidArgument, resource, len(key), MaxKeyLength)
	}
	return key, nil
}

// EncodeKeys encodes an ordered resource list. The list must be non-empty and
// free of duplicates; order is preserved.
func EncodeKeys(partition PartitionID, resources []string) ([]string, error) {
	if len(resources) == 0 {
		return nil, fmt.Errorf("%w: resource list is empty", ErrInvalidArgument)
	}
	seen := make(map[string]struct{}, len(resources))
	keys := make([]string, len(resources))
	for i, resource := range resources {
		if _, dup := seen[resource]; dup {
			return nil, fmt.Errorf("%w: resource %q appears more than once", ErrInvalidArgument, resource)
		}
		seen[resource] = struct{}{}

		key, err := EncodeKey(partition, resource)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	return keys, nil
}

// DecodeKey splits a store lock name back into its partition and resource.
func DecodeKey(key string) (PartitionID, string, error) {
	prefix, resource, ok := strings.Cut(key, keyDelimiter)
	if !ok || resource == "" {
		return 0, "", fmt.Errorf("%w: malformed lock key %q", ErrProtocol, key)
	}
	partition, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed partition in lock key %q", ErrProtocol, key)
	}
	return PartitionID(partition), resource, nil
}
