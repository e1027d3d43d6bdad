package server

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/arbordata/arbor/pkg/expr"
)

// SinkResponse is the profiler output sentinel meaning "embed the profile
// in the response instead of the filesystem".
const SinkResponse = ":response"

// defaultProfileDir is used when profiling is allowed but no output
// directory was configured.
const defaultProfileDir = "profiler_output"

// ProfileConfig is the per-server profiling policy, fixed at construction.
type ProfileConfig struct {
	Allowed   bool
	Output    string
	ByDefault bool
}

// The runtime supports a single CPU profile at a time, so profiled
// requests serialize on this lock; unprofiled requests never touch it.
var profileMu sync.Mutex

// capture is a per-request scoped profiling resource. Stop is idempotent
// and must run on every exit path once Start succeeded.
type capture struct {
	buf    bytes.Buffer
	active bool
}

func startCapture() (*capture, error) {
	profileMu.Lock()
	c := &capture{}
	if err := pprof.StartCPUProfile(&c.buf); err != nil {
		profileMu.Unlock()
		return nil, fmt.Errorf("start profiler: %w", err)
	}
	c.active = true
	return c, nil
}

func (c *capture) Stop() {
	if c == nil || !c.active {
		return
	}
	pprof.StopCPUProfile()
	c.active = false
	profileMu.Unlock()
}

// Bytes returns the captured profile; only valid after Stop.
func (c *capture) Bytes() []byte { return c.buf.Bytes() }

// exprMD5 is the stable content hash clients use to locate the profile of
// an expression under the output root.
func exprMD5(e expr.Expr) string {
	sum := md5.Sum([]byte(e.Text()))
	return hex.EncodeToString(sum[:])
}

// writeProfile persists a capture under {root}/{md5(exprText)}/{unixts}.
func writeProfile(root string, e expr.Expr, data []byte) (string, error) {
	dir := filepath.Join(root, exprMD5(e))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure profile dir: %w", err)
	}
	path := filepath.Join(dir, strconv.FormatInt(time.Now().UTC().Unix(), 10))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write profile: %w", err)
	}
	return path, nil
}
