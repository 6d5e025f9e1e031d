// Package idgen produces identifiers that stay unique across calls in the
// same nanosecond and across processes.
//
// An identifier is prefix_TTTTTTTTTTTTT-PPPP-SSSS-RRRRRRRRRRRRRRRRRRRRRRRRRRRRRRRR:
// base36 wall clock in nanoseconds, base36 process id, base36 per-process
// sequence, and the 32 hex digits of a random (v4) UUID, i.e. 122 random
// bits. Consumers must treat everything after the prefix as opaque.
package idgen

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Generator struct {
	pid string
	seq atomic.Uint64
	now func() time.Time
}

func New() *Generator {
	return &Generator{
		pid: strconv.FormatInt(int64(os.Getpid()), 36),
		now: time.Now,
	}
}

var defaultGenerator = New()

// Generate returns a new identifier from the process-wide generator.
func Generate(prefix string) string {
	return defaultGenerator.Generate(prefix)
}

func (g *Generator) Generate(prefix string) string {
	seq := g.seq.Add(1)
	rnd := uuid.New()

	var b strings.Builder
	b.Grow(len(prefix) + 64)
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteByte('_')
	}
	b.WriteString(strconv.FormatInt(g.now().UnixNano(), 36))
	b.WriteByte('-')
	b.WriteString(g.pid)
	b.WriteByte('-')
	b.WriteString(strconv.FormatUint(seq, 36))
	b.WriteByte('-')
	b.WriteString(hex.EncodeToString(rnd[:]))
	return b.String()
}

// Prefix returns the provenance prefix of id, or "" if it has none.
func Prefix(id string) string {
	i := strings.IndexByte(id, '_')
	if i < 0 {
		return ""
	}
	return id[:i]
}
