package build

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

// Fingerprint hashes the compiler input into a stable cache key. The hash is
// a pure function of the sorted (path, content) pairs and the compiler
// settings: same inputs, same fingerprint, on every machine.
func Fingerprint(in CompilerInput) string {
	h := sha256.New()

	writeString := func(s string) {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	paths := make([]string, 0, len(in.Sources))
	for p := range in.Sources {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		writeString(p)
		writeString(in.Sources[p])
	}

	writeString(in.SolcVersion)
	writeString(in.EVMVersion)
	if in.Optimizer {
		writeString("optimizer")
		var runsBuf [8]byte
		binary.BigEndian.PutUint64(runsBuf[:], uint64(in.OptimizerRuns))
		h.Write(runsBuf[:])
	}

	return hex.EncodeToString(h.Sum(nil))
}
