// Package diag counts events per call site. Collectors key their counters
// in a tree ordered by file and line; reports go through a caller-supplied
// print function that is whitelist-verified on every line.
package diag

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/vk/warden/internal/fnwlist"
	"github.com/vk/warden/internal/rbtree"
)

// PrintFunc receives one report line. Implementations are registered under
// fnwlist.PrintFunc.
type PrintFunc func(line string, arg any)

func init() {
	fnwlist.Register(fnwlist.TreeCmp, siteCompare)
}

type site struct {
	file string
	line int
}

// siteCompare orders call sites by file then line.
func siteCompare(a, b any) int {
	x, y := a.(site), b.(site)
	if x.file != y.file {
		if x.file < y.file {
			return -1
		}
		return 1
	}
	return x.line - y.line
}

// SiteCount is one call site with its event count.
type SiteCount struct {
	File  string
	Line  int
	Count uint64
}

// Collector accumulates per-site counters.
type Collector struct {
	mu    sync.Mutex
	sites *rbtree.Tree
}

// New creates an empty collector.
func New() *Collector {
	return &Collector{sites: rbtree.New(siteCompare)}
}

// Record counts one event at the caller's location.
func (c *Collector) Record() {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file, line = "unknown", 0
	}
	c.record(site{file: file, line: line})
}

func (c *Collector) record(s site) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.sites.Search(s); ok {
		*(v.(*uint64))++
		return
	}
	n := uint64(1)
	c.sites.Insert(s, &n)
}

// Sites returns every recorded site in file/line order.
func (c *Collector) Sites() []SiteCount {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SiteCount, 0, c.sites.Len())
	c.sites.Ascend(func(key, val any) bool {
		s := key.(site)
		out = append(out, SiteCount{File: s.file, Line: s.line, Count: *(val.(*uint64))})
		return true
	})
	return out
}

// Dump writes one line per site through print. print must be whitelisted
// under fnwlist.PrintFunc.
func (c *Collector) Dump(print PrintFunc, arg any) {
	for _, s := range c.Sites() {
		fnwlist.Check(fnwlist.PrintFunc, print)
		print(fmt.Sprintf("%s:%d %d", s.File, s.Line, s.Count), arg)
	}
}

// Reset drops all counters.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sites = rbtree.New(siteCompare)
}
