// Package sessionstore keeps each user's messaging-client credential
// bundle in the database so a session survives runtime and host restarts.
package sessionstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/database"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/logging"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/metrics"
)

// Sealer encrypts blobs at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(token []byte) ([]byte, error)
}

type Options struct {
	// WorkRoot is the parent of every working directory handed out by
	// Restore and NewWorkDir.
	WorkRoot string
	// RequiredEntries must all be present and non-empty for a bundle to be
	// saved or restored.
	RequiredEntries []string
	Metrics         *metrics.Metrics
}

type Store struct {
	db       *gorm.DB
	sealer   Sealer
	workRoot string
	required []string
	metrics  *metrics.Metrics
}

// BundleInfo describes a stored bundle without its contents.
type BundleInfo struct {
	UserID    string    `json:"userId"`
	BlobCount int       `json:"blobCount"`
	TotalSize int64     `json:"totalSize"`
	SavedAt   time.Time `json:"savedAt"`
}

func New(db *gorm.DB, sealer Sealer, opts Options) *Store {
	required := make([]string, 0, len(opts.RequiredEntries))
	for _, name := range opts.RequiredEntries {
		if name = strings.TrimSpace(name); name != "" {
			required = append(required, name)
		}
	}
	return &Store{
		db:       db,
		sealer:   sealer,
		workRoot: opts.WorkRoot,
		required: required,
		metrics:  opts.Metrics,
	}
}

// Save reads every regular file under dir and replaces the user's stored
// bundle with them. An empty directory or one missing a required entry is
// rejected and the previously stored bundle is kept.
func (s *Store) Save(ctx context.Context, userID, dir string) error {
	entries, err := readDir(ctx, dir)
	if err != nil {
		s.metrics.BundleSaved("error")
		return opError("save", userID, err)
	}
	if len(entries) == 0 {
		s.metrics.BundleSaved("empty")
		return opError("save", userID, ErrNothingToSave)
	}
	if missing := s.missingRequired(entries); len(missing) > 0 {
		s.metrics.BundleSaved("incomplete")
		return opError("save", userID, fmt.Errorf("%w: %s", ErrIncompleteBundle, strings.Join(missing, ", ")))
	}

	bundle := database.SessionBundle{
		UserID:    userID,
		Digest:    digest(entries),
		BlobCount: len(entries),
		SavedAt:   time.Now().UTC(),
	}
	blobs := make([]database.SessionBlob, 0, len(entries))
	for _, e := range entries {
		sealed, err := s.sealer.Seal(compress(e.data))
		if err != nil {
			s.metrics.BundleSaved("error")
			return opError("save", userID, fmt.Errorf("seal %s: %w", e.name, err))
		}
		blobs = append(blobs, database.SessionBlob{
			UserID:  userID,
			Name:    e.name,
			Content: sealed,
			Size:    int64(len(e.data)),
		})
		bundle.TotalSize += int64(len(e.data))
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"digest", "blob_count", "total_size", "saved_at", "updated_at"}),
		}).Create(&bundle).Error; err != nil {
			return fmt.Errorf("upsert bundle: %w", err)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&database.SessionBlob{}).Error; err != nil {
			return fmt.Errorf("delete old blobs: %w", err)
		}
		if err := tx.CreateInBatches(&blobs, 50).Error; err != nil {
			return fmt.Errorf("insert blobs: %w", err)
		}
		return nil
	})
	if err != nil {
		s.metrics.BundleSaved("error")
		return opError("save", userID, err)
	}

	s.metrics.BundleSaved("ok")
	log.Printf("[store] saved bundle for %s (%d entries, %d bytes)", logging.Sanitize(userID), bundle.BlobCount, bundle.TotalSize)
	return nil
}

// Restore materializes the user's stored bundle into a fresh working
// directory and returns its path. It returns ErrNotFound when nothing was
// saved. Every blob is decoded and verified before anything is written, so
// a failed restore leaves no directory behind.
func (s *Store) Restore(ctx context.Context, userID string) (string, error) {
	var bundle database.SessionBundle
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&bundle).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.metrics.BundleRestored("not_found")
			return "", ErrNotFound
		}
		s.metrics.BundleRestored("error")
		return "", opError("restore", userID, err)
	}

	var blobs []database.SessionBlob
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("name").Find(&blobs).Error; err != nil {
		s.metrics.BundleRestored("error")
		return "", opError("restore", userID, err)
	}

	entries, err := s.decode(bundle, blobs)
	if err != nil {
		s.metrics.BundleRestored("corrupt")
		return "", opError("restore", userID, err)
	}
	if err := ctx.Err(); err != nil {
		s.metrics.BundleRestored("error")
		return "", opError("restore", userID, err)
	}

	dir, err := s.NewWorkDir(userID)
	if err != nil {
		s.metrics.BundleRestored("error")
		return "", opError("restore", userID, err)
	}
	if err := writeEntries(dir, entries); err != nil {
		os.RemoveAll(dir)
		s.metrics.BundleRestored("error")
		return "", opError("restore", userID, err)
	}

	s.metrics.BundleRestored("ok")
	log.Printf("[store] restored bundle for %s into %s (%d entries)", logging.Sanitize(userID), dir, len(entries))
	return dir, nil
}

func (s *Store) decode(bundle database.SessionBundle, blobs []database.SessionBlob) ([]entry, error) {
	if len(blobs) != bundle.BlobCount {
		return nil, fmt.Errorf("%w: expected %d entries, found %d", ErrCorrupt, bundle.BlobCount, len(blobs))
	}
	entries := make([]entry, 0, len(blobs))
	for _, b := range blobs {
		if !validName(b.Name) {
			return nil, fmt.Errorf("%w: invalid entry name %q", ErrCorrupt, b.Name)
		}
		compressed, err := s.sealer.Open(b.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, b.Name, err)
		}
		data, err := decompress(compressed, b.Size)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, b.Name, err)
		}
		entries = append(entries, entry{name: b.Name, data: data})
	}
	if !bytes.Equal(digest(entries), bundle.Digest) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}
	if missing := s.missingRequired(entries); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrIncompleteBundle, strings.Join(missing, ", "))
	}
	return entries, nil
}

// Invalidate deletes the user's stored bundle. Deleting a bundle that does
// not exist is not an error.
func (s *Store) Invalidate(ctx context.Context, userID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&database.SessionBlob{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).Delete(&database.SessionBundle{}).Error
	})
	if err != nil {
		return opError("invalidate", userID, err)
	}
	log.Printf("[store] invalidated bundle for %s", logging.Sanitize(userID))
	return nil
}

func (s *Store) Stat(ctx context.Context, userID string) (BundleInfo, error) {
	var bundle database.SessionBundle
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&bundle).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BundleInfo{}, ErrNotFound
		}
		return BundleInfo{}, opError("stat", userID, err)
	}
	return BundleInfo{
		UserID:    bundle.UserID,
		BlobCount: bundle.BlobCount,
		TotalSize: bundle.TotalSize,
		SavedAt:   bundle.SavedAt,
	}, nil
}

// NewWorkDir creates an empty working directory owned by one runtime of
// the user. Each call returns a distinct directory.
func (s *Store) NewWorkDir(userID string) (string, error) {
	dir := filepath.Join(s.workRoot, dirName(userID)+"-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}

func (s *Store) missingRequired(entries []entry) []string {
	if len(s.required) == 0 {
		return nil
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if len(e.data) > 0 {
			present[e.name] = true
		}
	}
	var missing []string
	for _, name := range s.required {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// readDir returns the regular files under dir sorted by name. Names are
// slash-separated paths relative to dir.
func readDir(ctx context.Context, dir string) ([]entry, error) {
	var entries []entry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if len(data) > maxEntrySize {
			return fmt.Errorf("%s: %d bytes exceeds entry limit", filepath.ToSlash(rel), len(data))
		}
		entries = append(entries, entry{name: filepath.ToSlash(rel), data: data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, nil
}

func writeEntries(dir string, entries []entry) error {
	for _, e := range entries {
		path := filepath.Join(dir, filepath.FromSlash(e.name))
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return err
		}
		if err := os.WriteFile(path, e.data, 0600); err != nil {
			return err
		}
	}
	return nil
}

func validName(name string) bool {
	return name != "" && filepath.IsLocal(filepath.FromSlash(name))
}

// dirName maps a user id onto a safe single path component.
func dirName(userID string) string {
	var b strings.Builder
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}
