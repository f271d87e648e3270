package models

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ChecksumFile is written into every installed bundle and lists the sha256
// of each file as "sha256:<hex>  <name>".
const ChecksumFile = ".checksums"

type Progress struct {
	File       string
	Downloaded int64
	Total      int64
	SpeedMBps  float64
	ETA        time.Duration
}

type ProgressCallback func(Progress)

// Downloader installs bundles one at a time; concurrent calls queue.
type Downloader struct {
	Client    *http.Client
	Retries   int
	RetryWait time.Duration

	mu sync.Mutex
}

func NewDownloader() *Downloader {
	return &Downloader{
		Client:    &http.Client{Timeout: 0},
		Retries:   2,
		RetryWait: 500 * time.Millisecond,
	}
}

func (d *Downloader) DownloadAndInstall(ctx context.Context, model ModelSpec, modelsRoot string, onProgress ProgressCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(model.Files) == 0 {
		return fmt.Errorf("model %s lists no files", model.Name)
	}
	if err := os.MkdirAll(modelsRoot, 0o755); err != nil {
		return err
	}
	tmpDir, err := os.MkdirTemp(modelsRoot, model.Name+"-download-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	stageDir := filepath.Join(tmpDir, "stage")
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return err
	}
	sums := make([]string, 0, len(model.Files))
	for _, f := range model.Files {
		dest := filepath.Join(stageDir, f.Name)
		var progress ProgressCallback
		if onProgress != nil {
			name := f.Name
			progress = func(p Progress) {
				p.File = name
				onProgress(p)
			}
		}
		if err := d.downloadWithRetry(ctx, f.DownloadURL(model.Source), dest, progress); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
		actual, err := FileChecksum(dest)
		if err != nil {
			return err
		}
		if f.Checksum != "" && actual != f.Checksum {
			return fmt.Errorf("%s: checksum mismatch: expected %s, got %s", f.Name, f.Checksum, actual)
		}
		sums = append(sums, actual+"  "+f.Name)
	}
	if err := ValidateModelDir(stageDir); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(stageDir, ChecksumFile), []byte(strings.Join(sums, "\n")+"\n"), 0o644); err != nil {
		return err
	}

	finalPath := ModelInstallPath(modelsRoot, model.Name)
	oldPath := finalPath + ".bak"
	_ = os.RemoveAll(oldPath)
	if _, err := os.Stat(finalPath); err == nil {
		if err := os.Rename(finalPath, oldPath); err != nil {
			return err
		}
	}
	if err := os.Rename(stageDir, finalPath); err != nil {
		_ = os.Rename(oldPath, finalPath)
		return err
	}
	_ = os.RemoveAll(oldPath)
	return nil
}

func (d *Downloader) downloadWithRetry(ctx context.Context, url, dest string, onProgress ProgressCallback) error {
	var lastErr error
	for attempt := 0; attempt <= d.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.RetryWait):
			}
		}
		lastErr = d.download(ctx, url, dest, onProgress)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if d.Retries == 0 {
		return lastErr
	}
	return fmt.Errorf("download failed after retries: %w", lastErr)
}

func (d *Downloader) download(ctx context.Context, url, dest string, onProgress ProgressCallback) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	buf := make([]byte, 32*1024)
	start := time.Now()
	var downloaded int64
	total := resp.ContentLength
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			downloaded += int64(n)
			if onProgress != nil {
				onProgress(progressAt(downloaded, total, time.Since(start)))
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	return out.Close()
}

func progressAt(downloaded, total int64, elapsed time.Duration) Progress {
	p := Progress{Downloaded: downloaded, Total: total}
	if secs := elapsed.Seconds(); secs > 0 {
		p.SpeedMBps = float64(downloaded) / secs / 1024 / 1024
	}
	if total > 0 && p.SpeedMBps > 0 {
		remainingMB := float64(total-downloaded) / 1024 / 1024
		p.ETA = time.Duration(remainingMB / p.SpeedMBps * float64(time.Second))
	}
	return p
}

func FileChecksum(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func ValidateModelDir(dir string) error {
	var missing []string
	for _, f := range RequiredFiles {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid model bundle: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// VerifyInstalled re-hashes an installed bundle and compares it with the
// checksums recorded at install time and any pinned in the registry.
func VerifyInstalled(root string, model ModelSpec) error {
	dir := ModelInstallPath(root, model.Name)
	if err := ValidateModelDir(dir); err != nil {
		return err
	}
	recorded, err := readChecksums(filepath.Join(dir, ChecksumFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", ChecksumFile, err)
	}
	for _, f := range model.Files {
		actual, err := FileChecksum(filepath.Join(dir, f.Name))
		if err != nil {
			return err
		}
		if want, ok := recorded[f.Name]; ok && want != actual {
			return fmt.Errorf("%s: checksum mismatch: recorded %s, got %s", f.Name, want, actual)
		}
		if f.Checksum != "" && f.Checksum != actual {
			return fmt.Errorf("%s: checksum mismatch: expected %s, got %s", f.Name, f.Checksum, actual)
		}
	}
	return nil
}

func readChecksums(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		sum, name, ok := strings.Cut(strings.TrimSpace(sc.Text()), "  ")
		if ok {
			out[strings.TrimSpace(name)] = sum
		}
	}
	return out, sc.Err()
}

func Remove(root string, model ModelSpec) error {
	dir := ModelInstallPath(root, model.Name)
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
