// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/AleutianAI/meridian/services/build/workspace"
)

// Remote is a shared cache tier.
type Remote interface {
	// Fetch extracts the entry for hash into dir. It reports false when
	// the remote has no such entry.
	Fetch(ctx context.Context, hash, dir string) (bool, error)

	// Store uploads the entry directory for hash. Storing an existing
	// hash is a no-op.
	Store(ctx context.Context, hash, dir string) error
}

// GCSRemote stores entries as gzipped tarballs in a Cloud Storage bucket.
type GCSRemote struct {
	client   *storage.Client
	bucket   string
	prefix   string
	readOnly bool
	logger   *slog.Logger
}

// NewGCSRemote creates a remote tier from workspace settings. An empty
// credentials file uses application default credentials.
func NewGCSRemote(ctx context.Context, cfg workspace.RemoteConfig, logger *slog.Logger) (*GCSRemote, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("remote cache bucket is not configured")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("remote cache credentials: %w", err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GCSRemote{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		readOnly: cfg.ReadOnly,
		logger:   logger,
	}, nil
}

// Close releases the storage client.
func (r *GCSRemote) Close() error {
	return r.client.Close()
}

func (r *GCSRemote) objectName(hash string) string {
	return path.Join(r.prefix, hash+".tar.gz")
}

// Fetch implements Remote.
func (r *GCSRemote) Fetch(ctx context.Context, hash, dir string) (bool, error) {
	reader, err := r.client.Bucket(r.bucket).Object(r.objectName(hash)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open gs://%s/%s: %w", r.bucket, r.objectName(hash), err)
	}
	defer reader.Close()

	if err := unpackArchive(reader, dir); err != nil {
		return false, fmt.Errorf("extract gs://%s/%s: %w", r.bucket, r.objectName(hash), err)
	}
	r.logger.Debug("remote cache hit", slog.String("hash", hash))
	return true, nil
}

// Store implements Remote. Uploads are conditional on the object not
// existing, so concurrent writers of the same hash do not overwrite.
func (r *GCSRemote) Store(ctx context.Context, hash, dir string) error {
	if r.readOnly {
		return nil
	}
	obj := r.client.Bucket(r.bucket).Object(r.objectName(hash)).If(storage.Conditions{DoesNotExist: true})
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/gzip"

	if err := packArchive(writer, dir); err != nil {
		writer.Close()
		return fmt.Errorf("upload gs://%s/%s: %w", r.bucket, r.objectName(hash), err)
	}
	if err := writer.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return nil
		}
		return fmt.Errorf("upload gs://%s/%s: %w", r.bucket, r.objectName(hash), err)
	}
	r.logger.Debug("remote cache stored", slog.String("hash", hash))
	return nil
}

// packArchive writes dir as a gzipped tarball of regular files.
func packArchive(w io.Writer, dir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:     filepath.ToSlash(rel),
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// unpackArchive extracts a gzipped tarball produced by packArchive into
// dir, rejecting entries that would escape it.
func unpackArchive(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}
		dst := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		mode := os.FileMode(hdr.Mode).Perm()
		if mode == 0 {
			mode = 0o644
		}
		f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
}
