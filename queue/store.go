package queue

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/relayqio"
)

// Each stored mail is two files with the same basename, the MailName: an .eml
// file with the message data, and a .properties file with the envelope.
//
// The .eml file is written and synced first, then the .properties file is
// atomically created. Only .properties files are listed, so a crash in
// between leaves an orphan .eml file that is never seen. Removal happens in
// reverse order: first the .properties file, then the .eml file.
const (
	extContent  = ".eml"
	extEnvelope = ".properties"
	errorDir    = "error"
	digestAlg   = "blake2b-256:"
)

// Store is a directory with queued mails, and an error area for mails that
// could not be delivered and need operator attention.
type Store struct {
	log mlog.Log
	dir string
	max int // Maximum number of mails. Zero for no limit.

	// Number of mails stored, or being stored. Incremented before saving and
	// decremented on failure or removal.
	count atomic.Int64
}

// OpenStore opens or creates the queue directory dir and its error area. The
// number of queued mails is initialized from the envelope files present.
func OpenStore(log mlog.Log, dir string, maxMails int) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, errorDir), 0770); err != nil {
		return nil, &LocalError{Op: "open", Err: err}
	}
	s := &Store{log: log, dir: dir, max: maxMails}
	names, err := s.List()
	if err != nil {
		return nil, err
	}
	s.count.Store(int64(len(names)))
	log.Debug("opened queue store", slog.String("dir", dir), slog.Int("mails", len(names)))
	return s, nil
}

// Dir returns the queue directory.
func (s *Store) Dir() string {
	return s.dir
}

// Count returns the number of mails in the queue, not including the error
// area.
func (s *Store) Count() int {
	return int(s.count.Load())
}

func (s *Store) reserve(limit bool) error {
	n := s.count.Add(1)
	if limit && s.max > 0 && n > int64(s.max) {
		s.count.Add(-1)
		return ErrFull
	}
	metricStored.Set(float64(n))
	return nil
}

func (s *Store) release() {
	n := s.count.Add(-1)
	metricStored.Set(float64(n))
}

func pathFor(dir string, name MailName, ext string) string {
	return filepath.Join(dir, name.String()+ext)
}

// Save stores m with a new MailName derived from m.Schedule, and sets Name,
// Size and Digest of m. If the content is a FileContent from another stored
// mail, it is hardlinked instead of copied. When the store holds its maximum
// number of mails, ErrFull is returned.
func (s *Store) Save(ctx context.Context, m *Mail) (MailName, error) {
	return s.saveQueued(ctx, m, true)
}

// Requeue is like Save, but ignores the maximum number of mails. It is for mails
// created while processing a stored mail, such as retries and DSNs.
func (s *Store) Requeue(ctx context.Context, m *Mail) (MailName, error) {
	return s.saveQueued(ctx, m, false)
}

func (s *Store) saveQueued(ctx context.Context, m *Mail, limit bool) (MailName, error) {
	if len(m.Recipients) == 0 {
		return MailName{}, &LocalError{Op: "save", Err: ErrNoRecipients}
	}
	if err := ctx.Err(); err != nil {
		return MailName{}, &LocalError{Op: "save", Err: err}
	}
	if err := s.reserve(limit); err != nil {
		return MailName{}, &LocalError{Op: "save", Err: err}
	}
	name, err := s.save(s.dir, m)
	if err != nil {
		s.release()
		return MailName{}, err
	}
	return name, nil
}

func (s *Store) save(dir string, m *Mail) (name MailName, rerr error) {
	if m.Schedule.IsZero() {
		m.Schedule = time.Now()
	}
	name, size, digest, err := s.writeContent(dir, m)
	if err != nil {
		return MailName{}, &LocalError{Op: "save", Err: err}
	}
	emlPath := pathFor(dir, name, extContent)
	defer func() {
		if rerr != nil {
			err := os.Remove(emlPath)
			s.log.Check(err, "removing content file after failure to save envelope", slog.String("path", emlPath))
		}
	}()

	nm := *m
	nm.Size = size
	nm.Digest = digest
	buf, err := marshalEnvelope(&nm)
	if err != nil {
		return MailName{}, &LocalError{Op: "save", Name: name, Err: err}
	}
	if err := relayqio.WriteFileSync(s.log, pathFor(dir, name, extEnvelope), buf); err != nil {
		return MailName{}, &LocalError{Op: "save", Name: name, Err: fmt.Errorf("writing envelope: %w", err)}
	}
	if err := relayqio.SyncDir(s.log, dir); err != nil {
		// Both files are complete, the mail is queued but may be lost on a system crash.
		s.log.Errorx("syncing queue directory after saving mail", err, slog.Any("name", name))
	}
	m.Name = name
	m.Size = size
	m.Digest = digest
	return name, nil
}

// writeContent writes the .eml file under the first free name derived from the
// schedule time of m.
func (s *Store) writeContent(dir string, m *Mail) (MailName, int64, string, error) {
	name := MailName{Time: m.Schedule.UTC()}

	if src, ok := m.Content.(FileContent); ok && m.Digest != "" {
		for ; ; name.Seq++ {
			err := relayqio.LinkOrCopy(s.log, pathFor(dir, name, extContent), string(src), true)
			if errors.Is(err, fs.ErrExist) {
				continue
			} else if err != nil {
				return MailName{}, 0, "", fmt.Errorf("linking content file: %w", err)
			}
			fi, err := os.Stat(pathFor(dir, name, extContent))
			if err != nil {
				return MailName{}, 0, "", fmt.Errorf("stat content file: %w", err)
			}
			return name, fi.Size(), m.Digest, nil
		}
	}

	var f *os.File
	for ; ; name.Seq++ {
		var err error
		f, err = os.OpenFile(pathFor(dir, name, extContent), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
		if errors.Is(err, fs.ErrExist) {
			continue
		} else if err != nil {
			return MailName{}, 0, "", fmt.Errorf("creating content file: %w", err)
		}
		break
	}
	p := f.Name()
	fail := func(err error) (MailName, int64, string, error) {
		if f != nil {
			xerr := f.Close()
			s.log.Check(xerr, "closing content file")
		}
		xerr := os.Remove(p)
		s.log.Check(xerr, "removing partial content file", slog.String("path", p))
		return MailName{}, 0, "", err
	}

	if m.Content == nil {
		return fail(fmt.Errorf("mail without content"))
	}
	r, err := m.Content.Open()
	if err != nil {
		return fail(fmt.Errorf("opening content: %w", err))
	}
	defer func() {
		err := r.Close()
		s.log.Check(err, "closing content")
	}()
	h, err := blake2b.New256(nil)
	if err != nil {
		return fail(err)
	}
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		return fail(fmt.Errorf("writing content file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("sync content file: %w", err))
	}
	err = f.Close()
	f = nil
	if err != nil {
		return fail(fmt.Errorf("closing content file: %w", err))
	}
	return name, n, digestAlg + hex.EncodeToString(h.Sum(nil)), nil
}

// Read returns the queued mail with name. Its content is a FileContent.
func (s *Store) Read(name MailName) (*Mail, error) {
	return s.read(s.dir, name)
}

// ReadError returns a mail from the error area.
func (s *Store) ReadError(name MailName) (*Mail, error) {
	return s.read(filepath.Join(s.dir, errorDir), name)
}

func (s *Store) read(dir string, name MailName) (*Mail, error) {
	buf, err := os.ReadFile(pathFor(dir, name, extEnvelope))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = ErrNotFound
		}
		return nil, &LocalError{Op: "read", Name: name, Err: err}
	}
	m, err := parseEnvelope(bytes.NewReader(buf))
	if err != nil {
		return nil, &LocalError{Op: "read", Name: name, Err: err}
	}
	emlPath := pathFor(dir, name, extContent)
	fi, err := os.Stat(emlPath)
	if err != nil {
		return nil, &LocalError{Op: "read", Name: name, Err: fmt.Errorf("content file: %w", err)}
	}
	if fi.Size() != m.Size {
		return nil, &LocalError{Op: "read", Name: name, Err: fmt.Errorf("content file has size %d, envelope has %d", fi.Size(), m.Size)}
	}
	m.Name = name
	m.Content = FileContent(emlPath)
	return m, nil
}

// Delete removes a queued mail, envelope first.
func (s *Store) Delete(name MailName) error {
	if err := s.remove(s.dir, name); err != nil {
		return err
	}
	s.release()
	return nil
}

func (s *Store) remove(dir string, name MailName) error {
	if err := os.Remove(pathFor(dir, name, extEnvelope)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = ErrNotFound
		}
		return &LocalError{Op: "delete", Name: name, Err: err}
	}
	// The mail is gone. A leftover content file is an orphan.
	err := os.Remove(pathFor(dir, name, extContent))
	s.log.Check(err, "removing content file", slog.Any("name", name))
	err = relayqio.SyncDir(s.log, dir)
	s.log.Check(err, "syncing directory after removing mail", slog.String("dir", dir))
	return nil
}

// MoveToError moves a queued mail to the error area, returning its name in the
// error area. The content file is linked or copied, the envelope is written
// with lastError as reason. If that fails, the original mail is left in place
// and nothing remains in the error area.
func (s *Store) MoveToError(name MailName, lastError string) (MailName, error) {
	m, err := s.Read(name)
	if err != nil {
		return MailName{}, err
	}
	m.LastError = lastError
	env, err := marshalEnvelope(m)
	if err != nil {
		return MailName{}, &LocalError{Op: "move", Name: name, Err: err}
	}

	dst := filepath.Join(s.dir, errorDir)
	ename, err := s.writeErrorPair(name, dst, env)
	if err != nil {
		return MailName{}, &LocalError{Op: "move", Name: name, Err: err}
	}
	if err := s.Delete(name); err != nil {
		s.removeErrorPair(dst, ename)
		return MailName{}, err
	}
	metricErrorArea.Inc()
	return ename, nil
}

// writeErrorPair links or copies the content file of name into dst and writes
// env as its envelope. The name in dst gets a higher sequence number if name is
// already present.
func (s *Store) writeErrorPair(name MailName, dst string, env []byte) (MailName, error) {
	srcEml := pathFor(s.dir, name, extContent)
	dname := name
	for ; ; dname.Seq++ {
		err := relayqio.LinkOrCopy(s.log, pathFor(dst, dname, extContent), srcEml, true)
		if errors.Is(err, fs.ErrExist) {
			continue
		} else if err != nil {
			return MailName{}, fmt.Errorf("linking content file: %w", err)
		}
		break
	}
	if err := relayqio.WriteFileSync(s.log, pathFor(dst, dname, extEnvelope), env); err != nil {
		xerr := os.Remove(pathFor(dst, dname, extContent))
		s.log.Check(xerr, "removing linked content file after error", slog.Any("name", dname))
		return MailName{}, fmt.Errorf("writing envelope file: %w", err)
	}
	if err := relayqio.SyncDir(s.log, dst); err != nil {
		s.removeErrorPair(dst, dname)
		return MailName{}, fmt.Errorf("sync directory: %w", err)
	}
	return dname, nil
}

// removeErrorPair undoes writeErrorPair, envelope first.
func (s *Store) removeErrorPair(dst string, name MailName) {
	for _, ext := range []string{extEnvelope, extContent} {
		err := os.Remove(pathFor(dst, name, ext))
		s.log.Check(err, "removing file from error area after failed move", slog.Any("name", name), slog.String("ext", ext))
	}
}

// ErrorRetry moves a mail from the error area back into the queue, scheduled
// at now with its attempt counters reset. The mail is stored under a new name,
// which is returned.
func (s *Store) ErrorRetry(ctx context.Context, name MailName, now time.Time) (*Mail, error) {
	m, err := s.ReadError(name)
	if err != nil {
		return nil, err
	}
	m.Schedule = now
	m.Attempts = 0
	m.Postpones = 0
	if _, err := s.Save(ctx, m); err != nil {
		return nil, err
	}
	if err := s.remove(filepath.Join(s.dir, errorDir), name); err != nil {
		s.log.Errorx("removing mail from error area after moving to queue", err, slog.Any("name", name))
	}
	return m, nil
}

// DeleteError removes a mail from the error area.
func (s *Store) DeleteError(name MailName) error {
	return s.remove(filepath.Join(s.dir, errorDir), name)
}

// List returns the names of all queued mails, ordered by schedule time, then
// sequence number.
func (s *Store) List() ([]MailName, error) {
	return s.list(s.dir)
}

// ListErrors returns the names of mails in the error area.
func (s *Store) ListErrors() ([]MailName, error) {
	return s.list(filepath.Join(s.dir, errorDir))
}

func (s *Store) list(dir string) ([]MailName, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &LocalError{Op: "list", Err: err}
	}
	var names []MailName
	for _, e := range entries {
		base, ok := strings.CutSuffix(e.Name(), extEnvelope)
		if !ok || !e.Type().IsRegular() {
			continue
		}
		name, err := ParseMailName(base)
		if err != nil {
			s.log.Infox("ignoring envelope file with unrecognized name", err, slog.String("file", e.Name()))
			continue
		}
		names = append(names, name)
	}
	slices.SortFunc(names, MailName.Compare)
	return names, nil
}

// Verify checks that the content of a queued mail matches the digest in its
// envelope.
func (s *Store) Verify(name MailName) error {
	m, err := s.Read(name)
	if err != nil {
		return err
	}
	alg, _, _ := strings.Cut(m.Digest, ":")
	if alg+":" != digestAlg {
		return fmt.Errorf("mail %s: unsupported digest %q", name, m.Digest)
	}
	r, err := m.Content.Open()
	if err != nil {
		return &LocalError{Op: "verify", Name: name, Err: err}
	}
	defer func() {
		err := r.Close()
		s.log.Check(err, "closing content")
	}()
	h, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	if _, err := io.Copy(h, r); err != nil {
		return &LocalError{Op: "verify", Name: name, Err: err}
	}
	if digest := digestAlg + hex.EncodeToString(h.Sum(nil)); digest != m.Digest {
		return fmt.Errorf("mail %s: content digest %s does not match envelope digest %s", name, digest, m.Digest)
	}
	return nil
}
