package keys

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	bundleExt   = ".pem"
	currentFile = "current"
)

// KeySet is one snapshot of a key store
type KeySet struct {
	CurrentID string
	Keys      map[string]*SigningKey
}

// Source loads the full key set from a key store
type Source interface {
	Load(ctx context.Context) (*KeySet, error)
}

// Sink writes bundles and moves the current pointer. The key CLI uses it.
type Sink interface {
	PutBundle(ctx context.Context, kid string, bundle []byte) error
	SetCurrent(ctx context.Context, kid string) error
}

// DirSource reads <kid>.pem bundles and a "current" file from a directory
type DirSource struct {
	Dir string
}

// NewDirSource creates a directory-backed key source
func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir}
}

// Load reads every bundle in the directory
func (s *DirSource) Load(ctx context.Context) (*KeySet, error) {
	current, err := os.ReadFile(filepath.Join(s.Dir, currentFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read current key id: %w", err)
	}

	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list key directory: %w", err)
	}

	set := &KeySet{CurrentID: strings.TrimSpace(string(current)), Keys: make(map[string]*SigningKey)}
	for _, entry := range entries {
		kid, ok := bundleKeyID(entry.Name())
		if entry.IsDir() || !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read key bundle %s: %w", kid, err)
		}
		key, err := ParseBundle(kid, data)
		if err != nil {
			return nil, err
		}
		set.Keys[kid] = key
	}
	return set, nil
}

// PutBundle writes <kid>.pem with owner-only permissions
func (s *DirSource) PutBundle(ctx context.Context, kid string, bundle []byte) error {
	if !ValidKeyID(kid) {
		return fmt.Errorf("keys: invalid key id %q", kid)
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.Dir, kid+bundleExt), bundle, 0o600)
}

// SetCurrent points the "current" file at kid
func (s *DirSource) SetCurrent(ctx context.Context, kid string) error {
	if !ValidKeyID(kid) {
		return fmt.Errorf("keys: invalid key id %q", kid)
	}
	if _, err := os.Stat(filepath.Join(s.Dir, kid+bundleExt)); err != nil {
		return fmt.Errorf("no bundle for key %s: %w", kid, err)
	}
	return writeFileAtomic(filepath.Join(s.Dir, currentFile), []byte(kid+"\n"), 0o600)
}

func writeFileAtomic(name string, data []byte, perm os.FileMode) error {
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(name), err)
	}
	if err := os.Rename(tmp, name); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(name), err)
	}
	return nil
}

func bundleKeyID(name string) (string, bool) {
	if !strings.HasSuffix(name, bundleExt) {
		return "", false
	}
	kid := strings.TrimSuffix(name, bundleExt)
	return kid, ValidKeyID(kid)
}

// S3API is the subset of the S3 client used by S3Source
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Source reads the same layout as DirSource from bucket/prefix
type S3Source struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Source creates an S3-backed key source
func NewS3Source(client S3API, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Source) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Load lists the prefix and fetches every bundle
func (s *S3Source) Load(ctx context.Context) (*KeySet, error) {
	set := &KeySet{Keys: make(map[string]*SigningKey)}

	current, err := s.get(ctx, s.key(currentFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read current key id: %w", err)
	}
	set.CurrentID = strings.TrimSpace(string(current))

	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(listPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list key bundles: %w", err)
		}
		for _, obj := range page.Contents {
			objectKey := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(objectKey, listPrefix)
			if strings.Contains(rel, "/") {
				continue
			}
			kid, ok := bundleKeyID(path.Base(rel))
			if !ok {
				continue
			}
			data, err := s.get(ctx, objectKey)
			if err != nil {
				return nil, fmt.Errorf("failed to read key bundle %s: %w", kid, err)
			}
			key, err := ParseBundle(kid, data)
			if err != nil {
				return nil, err
			}
			set.Keys[kid] = key
		}
	}
	return set, nil
}

func (s *S3Source) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Source) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-pem-file"),
	})
	return err
}

// PutBundle uploads <prefix>/<kid>.pem
func (s *S3Source) PutBundle(ctx context.Context, kid string, bundle []byte) error {
	if !ValidKeyID(kid) {
		return fmt.Errorf("keys: invalid key id %q", kid)
	}
	if err := s.put(ctx, s.key(kid+bundleExt), bundle); err != nil {
		return fmt.Errorf("failed to upload key bundle %s: %w", kid, err)
	}
	return nil
}

// SetCurrent uploads the "current" pointer
func (s *S3Source) SetCurrent(ctx context.Context, kid string) error {
	if !ValidKeyID(kid) {
		return fmt.Errorf("keys: invalid key id %q", kid)
	}
	if err := s.put(ctx, s.key(currentFile), []byte(kid+"\n")); err != nil {
		return fmt.Errorf("failed to update current key id: %w", err)
	}
	return nil
}

// MemorySource is an in-process key store. It backs tests and embedded
// deployments that generate keys at startup.
type MemorySource struct {
	mu      sync.Mutex
	current string
	keys    map[string]*SigningKey
}

// NewMemorySource creates an empty in-memory key store
func NewMemorySource() *MemorySource {
	return &MemorySource{keys: make(map[string]*SigningKey)}
}

// Load implements Source
func (s *MemorySource) Load(ctx context.Context) (*KeySet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := &KeySet{CurrentID: s.current, Keys: make(map[string]*SigningKey, len(s.keys))}
	for kid, key := range s.keys {
		set.Keys[kid] = key
	}
	return set, nil
}

// Add stores key under its ID
func (s *MemorySource) Add(key *SigningKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
}

// Remove drops kid from the store
func (s *MemorySource) Remove(kid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, kid)
}

// PutBundle implements Sink
func (s *MemorySource) PutBundle(ctx context.Context, kid string, bundle []byte) error {
	key, err := ParseBundle(kid, bundle)
	if err != nil {
		return err
	}
	s.Add(key)
	return nil
}

// SetCurrent implements Sink
func (s *MemorySource) SetCurrent(ctx context.Context, kid string) error {
	if !ValidKeyID(kid) {
		return fmt.Errorf("%w: invalid key id %q", ErrInvalidBundle, kid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = kid
	return nil
}
