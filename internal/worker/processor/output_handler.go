package processor

import (
	"bytes"
	"context"
	"fmt"

	"texrender/internal/ports"
	"texrender/internal/render"
)

type OutputHandler struct {
	sp     ports.StorageProvider
	prefix string
}

func NewOutputHandler(sp ports.StorageProvider, prefix string) *OutputHandler {
	if prefix == "" {
		prefix = "renders"
	}
	return &OutputHandler{sp: sp, prefix: prefix}
}

// Store uploads the primary output of res and returns where it landed.
func (oh *OutputHandler) Store(ctx context.Context, jobID string, res *render.Result) (ports.PutObjectOutput, error) {
	key := ArtifactKey(oh.prefix, jobID, res.Format)
	out, err := oh.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: res.ContentType,
		Reader:      bytes.NewReader(res.Data),
		Size:        int64(len(res.Data)),
	})
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("upload %s to %s: %w", key, oh.sp.Provider(), err)
	}
	return out, nil
}
