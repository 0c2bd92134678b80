package blob

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Store is a path-keyed blob store.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// Key builds {prefix}/{owner}/{document}/{version}/{filename}.
func Key(prefix, ownerID, documentID string, version int, filename string) string {
	return path.Join(prefix, ownerID, documentID, fmt.Sprint(version), path.Base(filename))
}

// DocumentPrefix is the key prefix covering every version of one document.
func DocumentPrefix(prefix, ownerID, documentID string) string {
	return path.Join(prefix, ownerID, documentID) + "/"
}

func cleanKey(key string) (string, error) {
	k := path.Clean("/" + key)
	k = strings.TrimPrefix(k, "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("empty blob key %q", key)
	}
	return k, nil
}
