package services

import (
	"strconv"
	"sync/atomic"
	"time"
)

// IDGenerator hands out message ids for locally appended messages.
// The sequence number alone guarantees uniqueness within the process; the
// clock component keeps ids from different runs apart.
type IDGenerator struct {
	seq atomic.Uint64
	now func() time.Time
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

func (g *IDGenerator) Next() string {
	n := g.seq.Add(1)
	return "local-" + strconv.FormatInt(g.now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36)
}
