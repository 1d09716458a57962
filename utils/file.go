package utils

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"sign-bounty-system/models"

	"github.com/google/uuid"
)

// MaxProofBytes caps a proof photo upload.
const MaxProofBytes = 10 << 20

var proofExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".heic": true,
}

// ProofStorage stores proof photos and returns an opaque reference.
type ProofStorage interface {
	SaveProof(ctx context.Context, claimID string, fileHeader *multipart.FileHeader) (string, error)
}

// ProofKey validates an uploaded photo and builds its object key:
// proofs/<claimID>/<uuid><ext>.
func ProofKey(claimID string, fileHeader *multipart.FileHeader) (string, error) {
	if fileHeader == nil {
		return "", fmt.Errorf("%w: proof photo is required", models.ErrValidation)
	}
	if fileHeader.Size <= 0 || fileHeader.Size > MaxProofBytes {
		return "", fmt.Errorf("%w: proof photo must be between 1 byte and %d MB", models.ErrValidation, MaxProofBytes>>20)
	}
	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if !proofExtensions[ext] {
		return "", fmt.Errorf("%w: unsupported proof file type %q", models.ErrValidation, ext)
	}
	if ct := fileHeader.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return "", fmt.Errorf("%w: proof must be an image, got %s", models.ErrValidation, ct)
	}
	return fmt.Sprintf("proofs/%s/%s%s", claimID, uuid.NewString(), ext), nil
}

// LocalStorage writes proofs under a directory on disk. Used when R2 is not configured.
type LocalStorage struct {
	Root string
}

// EnsureUploadDir creates the root directory if it doesn't exist
func (s LocalStorage) EnsureUploadDir() error {
	return os.MkdirAll(s.Root, os.ModePerm)
}

func (s LocalStorage) SaveProof(_ context.Context, claimID string, fileHeader *multipart.FileHeader) (string, error) {
	key, err := ProofKey(claimID, fileHeader)
	if err != nil {
		return "", err
	}
	destPath := filepath.Join(s.Root, filepath.FromSlash(key))
	if err := SaveFile(fileHeader, destPath); err != nil {
		return "", fmt.Errorf("failed to save proof: %w", err)
	}
	return filepath.ToSlash(destPath), nil
}

// SaveFile saves the uploaded file to the given destination path
func SaveFile(fileHeader *multipart.FileHeader, destPath string) error {
	// ✅ Ensure the directory for the destination file exists
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}

	file, err := fileHeader.Open()
	if err != nil {
		return err
	}
	defer file.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, file)
	return err
}
