package registry

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/uzzalhcse/spiderproxy/internal/logger"
)

// StatsFileName is the stable on-disk name for the serialized registry.
const StatsFileName = "proxystats.dat"

// record is the fixed-width on-disk encoding of one ProxyStat. Not
// versioned: a format change on upgrade simply starts from an empty table.
type record struct {
	IP             uint32
	Port           uint16
	LastAttemptMs  int64
	LastDurationMs int64
	LastSuccessMs  int64
	LastError      int32
}

// Save serializes the registry to <dir>/<name> as a length-prefixed
// sequence of (ip, port, ProxyStat) records. Errors are the caller's to
// log; persistence failures must never be fatal.
func (r *Registry) Save(dir, name string) error {
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp stats file: %w", err)
	}

	w := bufio.NewWriter(f)
	snapshot := r.Snapshot()

	if err := binary.Write(w, binary.BigEndian, uint32(len(snapshot))); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write record count: %w", err)
	}

	for _, sp := range snapshot {
		rec := record{
			IP:             sp.Endpoint.IP,
			Port:           sp.Endpoint.Port,
			LastAttemptMs:  sp.LastAttemptMs,
			LastDurationMs: sp.LastDurationMs,
			LastSuccessMs:  sp.LastSuccessMs,
			LastError:      int32(sp.LastError),
		}
		if err := binary.Write(w, binary.BigEndian, rec); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write record: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush stats file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close stats file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename stats file: %w", err)
	}

	logger.Debug("proxy stats saved", zap.String("path", path), zap.Int("proxies", len(snapshot)))
	return nil
}

// Load deserializes the registry from <dir>/<name>. A missing or corrupt
// file is best-effort: it leaves the registry as-is (typically empty at
// startup) and returns the error for the caller to log, never a fatal one.
func (r *Registry) Load(dir, name string) error {
	path := filepath.Join(dir, name)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open stats file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)

	var count uint32
	if err := binary.Read(br, binary.BigEndian, &count); err != nil {
		return fmt.Errorf("read record count: %w", err)
	}

	loaded := make(map[Endpoint]*ProxyStat, count)
	for i := uint32(0); i < count; i++ {
		var rec record
		if err := binary.Read(br, binary.BigEndian, &rec); err != nil {
			return fmt.Errorf("read record %d: %w", i, err)
		}
		ep := Endpoint{IP: rec.IP, Port: rec.Port}
		loaded[ep] = &ProxyStat{
			Endpoint:       ep,
			LastAttemptMs:  rec.LastAttemptMs,
			LastDurationMs: rec.LastDurationMs,
			LastSuccessMs:  rec.LastSuccessMs,
			LastError:      ErrorKind(rec.LastError),
		}
	}

	r.mu.Lock()
	r.proxies = loaded
	r.mu.Unlock()

	logger.Info("proxy stats loaded", zap.String("path", path), zap.Int("proxies", len(loaded)))
	return nil
}
