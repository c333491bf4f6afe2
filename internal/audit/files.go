package audit

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/simexchange/trustgate/internal/model"
	"github.com/simexchange/trustgate/internal/pkg/apperrors"
	"github.com/simexchange/trustgate/internal/pkg/metrics"
)

const (
	filePrefix   = "security-audit-"
	fileExt      = ".log"
	fileExtEnc   = ".log.enc"
	fileTSLayout = "2006-01-02T15-04-05.000000000Z"
)

// fileSet owns the current log file, rotation and retention. All methods
// are called from the flush path, which is serialized by the logger.
type fileSet struct {
	dir       string
	maxSize   int64
	maxFiles  int
	retention time.Duration
	aead      cipher.AEAD
	log       *slog.Logger
	now       func() time.Time

	file *os.File
	path string
	size int64
}

func newFileSet(dir string, maxSize int64, maxFiles, retentionDays int, encryptionKey string, log *slog.Logger) (*fileSet, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.New(apperrors.ErrWriteFailed, "create audit log directory", err)
	}
	f := &fileSet{
		dir:       dir,
		maxSize:   maxSize,
		maxFiles:  maxFiles,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		log:       log,
		now:       time.Now,
	}
	if encryptionKey != "" {
		aead, err := newAEAD(encryptionKey)
		if err != nil {
			return nil, err
		}
		f.aead = aead
	}
	return f, nil
}

func newAEAD(key string) (cipher.AEAD, error) {
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidConfig, "derive audit encryption key", err)
	}
	return cipher.NewGCM(block)
}

func (f *fileSet) ext() string {
	if f.aead != nil {
		return fileExtEnc
	}
	return fileExt
}

// writeBatch appends entries to the current file, rotating whenever the
// next chunk would push the file past maxSize.
func (f *fileSet) writeBatch(entries []*model.LogEntry) error {
	lines := make([][]byte, 0, len(entries))
	for _, e := range entries {
		line, err := f.encodeLine(e)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	for len(lines) > 0 {
		chunk, n := f.nextChunk(lines)
		if f.file == nil || f.size+int64(len(chunk)) > f.maxSize {
			if err := f.rotate(); err != nil {
				return err
			}
		}
		written, err := f.file.Write(chunk)
		f.size += int64(written)
		if err != nil {
			return apperrors.New(apperrors.ErrWriteFailed, "append audit batch", err)
		}
		lines = lines[n:]
	}
	return nil
}

// nextChunk packs as many whole lines as fit under maxSize into a single
// append. A single oversized line still goes out alone so the entry is
// never lost; that one file exceeds the size cap and the next write
// rotates away from it immediately.
func (f *fileSet) nextChunk(lines [][]byte) ([]byte, int) {
	var buf bytes.Buffer
	n := 0
	for _, line := range lines {
		if n > 0 && int64(buf.Len()+len(line)) > f.maxSize {
			break
		}
		buf.Write(line)
		n++
		if int64(buf.Len()) >= f.maxSize {
			break
		}
	}
	return buf.Bytes(), n
}

func (f *fileSet) encodeLine(e *model.LogEntry) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrWriteFailed, "encode audit entry", err)
	}
	if f.aead == nil {
		return append(raw, '\n'), nil
	}
	nonce := make([]byte, f.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperrors.New(apperrors.ErrWriteFailed, "generate nonce", err)
	}
	sealed := f.aead.Seal(nonce, nonce, raw, nil)
	enc := base64.StdEncoding.EncodeToString(sealed)
	return append([]byte(enc), '\n'), nil
}

func (f *fileSet) rotate() error {
	if f.file != nil {
		if err := f.file.Close(); err != nil {
			f.log.Warn("closing rotated audit file", slog.String("path", f.path), slog.Any("error", err))
		}
	}
	name := filePrefix + f.now().UTC().Format(fileTSLayout) + f.ext()
	path := filepath.Join(f.dir, name)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		f.file = nil
		return apperrors.New(apperrors.ErrWriteFailed, "open audit log file", err)
	}
	f.file = file
	f.path = path
	f.size = 0
	metrics.AuditRotations.Inc()
	f.cleanup()
	return nil
}

// cleanup enforces maxFiles and retentionDays over everything except the
// current file. Best effort: a failed remove is logged and retried on the
// next rotation.
func (f *fileSet) cleanup() {
	paths, err := f.list()
	if err != nil {
		f.log.Warn("audit retention scan failed", slog.Any("error", err))
		return
	}
	cutoff := f.now().Add(-f.retention)
	keep := paths[:0]
	for _, p := range paths {
		if p == f.path {
			keep = append(keep, p)
			continue
		}
		info, err := os.Stat(p)
		if err == nil && info.ModTime().Before(cutoff) {
			f.remove(p)
			continue
		}
		keep = append(keep, p)
	}
	for len(keep) > f.maxFiles {
		f.remove(keep[0])
		keep = keep[1:]
	}
}

func (f *fileSet) remove(path string) {
	if err := os.Remove(path); err != nil {
		f.log.Warn("removing expired audit file", slog.String("path", path), slog.Any("error", err))
		return
	}
	f.log.Info("audit file removed by retention", slog.String("path", path))
}

// list returns all audit log files in the directory, oldest first. The
// timestamped names sort chronologically.
func (f *fileSet) list() ([]string, error) {
	pattern := filepath.Join(f.dir, filePrefix+"*"+fileExt)
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	encrypted, err := filepath.Glob(filepath.Join(f.dir, filePrefix+"*"+fileExtEnc))
	if err != nil {
		return nil, err
	}
	paths = append(paths, encrypted...)
	sort.Strings(paths)
	return paths, nil
}

func (f *fileSet) close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// ReadLogFile decodes one audit log file back into its entry list,
// preserving order. Encrypted files are detected by extension and require
// the same key the writer was constructed with.
func ReadLogFile(path, encryptionKey string) ([]*model.LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrReadFailed, "open audit log file", err)
	}
	defer file.Close()

	var aead cipher.AEAD
	if strings.HasSuffix(path, fileExtEnc) {
		if encryptionKey == "" {
			return nil, apperrors.New(apperrors.ErrInvalidConfig, "encrypted audit file requires a key", nil)
		}
		aead, err = newAEAD(encryptionKey)
		if err != nil {
			return nil, err
		}
	}

	var entries []*model.LogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		raw := line
		if aead != nil {
			sealed, err := base64.StdEncoding.DecodeString(string(line))
			if err != nil {
				return nil, apperrors.New(apperrors.ErrReadFailed, fmt.Sprintf("decode line %d of %s", lineNo, path), err)
			}
			ns := aead.NonceSize()
			if len(sealed) < ns {
				return nil, apperrors.New(apperrors.ErrReadFailed, fmt.Sprintf("truncated record at line %d of %s", lineNo, path), nil)
			}
			raw, err = aead.Open(nil, sealed[:ns], sealed[ns:], nil)
			if err != nil {
				return nil, apperrors.New(apperrors.ErrReadFailed, fmt.Sprintf("unseal line %d of %s", lineNo, path), err)
			}
		}
		var e model.LogEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, apperrors.New(apperrors.ErrReadFailed, fmt.Sprintf("parse line %d of %s", lineNo, path), err)
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.New(apperrors.ErrReadFailed, "scan audit log file", err)
	}
	return entries, nil
}
