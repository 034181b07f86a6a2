package objectstore

import (
	"errors"
	"path"
	"strings"
	"testing"
)

func FuzzEventValidate(f *testing.F) {
	f.Add("landing", "ratings.csv")
	f.Add("", "")
	f.Add("b", "a/../b.csv")

	f.Fuzz(func(t *testing.T, bucket, key string) {
		ev, err := Event{Bucket: bucket, Key: key}.Validate()
		if err != nil {
			if !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("unexpected error type: %v", err)
			}
			return
		}
		if ev.Bucket == "" || strings.Contains(ev.Bucket, "/") {
			t.Fatalf("accepted bad bucket %q", ev.Bucket)
		}
		if path.Clean("/"+ev.Key) != "/"+ev.Key {
			t.Fatalf("accepted unclean key %q", ev.Key)
		}
	})
}
