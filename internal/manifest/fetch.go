package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	getter "github.com/hashicorp/go-getter"
)

// Fetch downloads a single manifest file from src to dst. src accepts any
// go-getter address: local paths, http(s), s3::, gcs:: and git:: forms.
func Fetch(ctx context.Context, src, dst string) error {
	if dir := filepath.Dir(dst); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create manifest directory: %w", err)
		}
	}
	pwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	client := &getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  dst,
		Pwd:  pwd,
		Mode: getter.ClientModeFile,
	}
	if err := client.Get(); err != nil {
		return fmt.Errorf("fetch manifest %s: %w", src, err)
	}
	return nil
}

// FetchFile downloads src to dst and decodes it.
func FetchFile(ctx context.Context, src, dst string) (*Manifest, error) {
	if err := Fetch(ctx, src, dst); err != nil {
		return nil, err
	}
	return LoadFile(dst)
}
