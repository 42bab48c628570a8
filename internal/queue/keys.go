package queue

import (
	"fmt"
	"time"
)

// Key layout in the shared badger store:
//
//	queue-meta:{name}                          -> queue registration marker
//	queue:{name}:msg:{id}                      -> stored message JSON
//	queue:{name}:index:{20-digit-ns-ts}:{id}   -> visibility index entry
//	job:{name}:{id}                            -> job record JSON
//
// The visibility timestamp is zero padded so lexicographic key order matches
// chronological order, which makes the ready-message scan a prefix seek.

func metaKey(queue string) []byte {
	return []byte("queue-meta:" + queue)
}

func msgKey(queue, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", queue, id))
}

func indexPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", queue))
}

func indexKey(queue string, visibleAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", queue, visibleAt.UnixNano(), id))
}

func jobKey(queue, id string) []byte {
	return []byte(fmt.Sprintf("job:%s:%s", queue, id))
}

func parseIndexKey(queue string, key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("queue:%s:index:", queue)
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid index key length")
	}

	suffix := string(key[len(prefix):])
	// Suffix is "{20-digit-ts}:{id}"
	if len(suffix) < 21 {
		return time.Time{}, "", fmt.Errorf("invalid index key suffix")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
