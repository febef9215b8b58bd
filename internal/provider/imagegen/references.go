package imagegen

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/product-automation/internal/automation"
)

const maxReferenceBytes = 10 << 20

// loadReferences downloads up to limit product images in parallel and returns
// them as data URLs in source order. Images that fail to download or are not
// raster images are skipped.
func (g *Generator) loadReferences(ctx context.Context, images []automation.ProductImage, limit int) []string {
	if limit <= 0 || len(images) == 0 {
		return nil
	}
	if len(images) > limit {
		images = images[:limit]
	}
	out := make([]string, len(images))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, img := range images {
		eg.Go(func() error {
			dataURL, err := g.fetchReference(egCtx, img.Src)
			if err != nil {
				g.logger.Warn("skipping reference image", zap.String("src", img.Src), zap.Error(err))
				return nil
			}
			out[i] = dataURL
			return nil
		})
	}
	_ = eg.Wait()

	refs := out[:0]
	for _, r := range out {
		if r != "" {
			refs = append(refs, r)
		}
	}
	return refs
}

func (g *Generator) fetchReference(ctx context.Context, src string) (string, error) {
	if strings.HasPrefix(src, "data:image/") {
		return src, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reference %s: status %d", src, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReferenceBytes))
	if err != nil {
		return "", err
	}
	ct := http.DetectContentType(data)
	if !strings.HasPrefix(ct, "image/") || strings.Contains(resp.Header.Get("Content-Type"), "svg") {
		return "", fmt.Errorf("reference %s is %s, not a raster image", src, ct)
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
