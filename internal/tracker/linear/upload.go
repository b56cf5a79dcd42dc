package linear

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/tracker"
)

// imageExtensions are embedded into comment bodies as markdown images;
// everything else becomes a plain link.
var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true,
}

// RequestFileUpload asks Linear for an upload slot: a signed PUT URL, the
// headers to send with it, and the final asset URL.
func (c *Client) RequestFileUpload(ctx context.Context, filename, contentType string, size int64) (*tracker.UploadTarget, error) {
	var data struct {
		FileUpload struct {
			Success    bool `json:"success"`
			UploadFile struct {
				UploadURL string `json:"uploadUrl"`
				AssetURL  string `json:"assetUrl"`
				Headers   []struct {
					Key   string `json:"key"`
					Value string `json:"value"`
				} `json:"headers"`
			} `json:"uploadFile"`
		} `json:"fileUpload"`
	}
	q := `mutation FileUpload($contentType: String!, $filename: String!, $size: Int!) {
		fileUpload(contentType: $contentType, filename: $filename, size: $size) {
			success
			uploadFile { uploadUrl assetUrl headers { key value } }
		}
	}`
	vars := map[string]interface{}{"contentType": contentType, "filename": filename, "size": size}
	if err := c.query(ctx, "requestFileUpload", q, vars, &data); err != nil {
		return nil, err
	}
	if !data.FileUpload.Success {
		return nil, &tracker.OperationError{Operation: "requestFileUpload"}
	}

	target := &tracker.UploadTarget{
		UploadURL: data.FileUpload.UploadFile.UploadURL,
		AssetURL:  data.FileUpload.UploadFile.AssetURL,
		Headers:   make(map[string]string, len(data.FileUpload.UploadFile.Headers)),
	}
	for _, h := range data.FileUpload.UploadFile.Headers {
		target.Headers[h.Key] = h.Value
	}
	return target, nil
}

// UploadFile runs the three-step upload: request a slot, PUT the bytes,
// return the asset URL.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read upload file: %w", err)
	}

	filename := filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	target, err := c.RequestFileUpload(ctx, filename, contentType, int64(len(data)))
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.UploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("file upload failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("file upload returned status %d", resp.StatusCode)
	}

	c.logger.Info("uploaded file to tracker",
		zap.String("filename", filename),
		zap.String("asset_url", target.AssetURL))
	return target.AssetURL, nil
}

// EmbedAttachment renders an asset URL for a comment body: image extensions
// become inline markdown images, everything else a link.
func EmbedAttachment(title, assetURL string) string {
	ext := strings.ToLower(filepath.Ext(assetURL))
	if imageExtensions[ext] {
		return fmt.Sprintf("![%s](%s)", title, assetURL)
	}
	return fmt.Sprintf("[%s](%s)", title, assetURL)
}
