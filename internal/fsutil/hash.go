package fsutil

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/pkg/errors"
	"lukechampine.com/blake3"
)

// Blake3File hashes the regular file at path, returning its hex digest --
// the VDB CONTENTS entry hash (spec §3) and the preserved-libs content key
// (spec §6's <blake3>/<basename> preservation layout).
func Blake3File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "hashing %s", path)
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "hashing %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
