//go:build cgo
// +build cgo

package embedding

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/pagelens/pkg/utils"
)

// ONNXEmbedder runs a ColPali-style model exported as two ONNX graphs under one directory:
// image_encoder.onnx (pixel_values [1,3,S,S] -> embeddings [1,patches,dim]) and
// query_encoder.onnx (input_ids, attention_mask [1,T] -> embeddings [1,T,dim]).
// It requires CGO and the onnxruntime shared library.
type ONNXEmbedder struct {
	opts         ONNXOptions
	tokenizer    QueryTokenizer
	imageSession *ort.AdvancedSession
	querySession *ort.AdvancedSession
	pixels       *ort.Tensor[float32]
	imageOut     *ort.Tensor[float32]
	inputIDs     *ort.Tensor[int64]
	attention    *ort.Tensor[int64]
	queryOut     *ort.Tensor[float32]
	// AdvancedSession reuses its bound tensors, so runs are serialized.
	mu sync.Mutex
}

var (
	ortInit    sync.Once
	ortInitErr error
)

// NewONNXEmbedder loads both encoders from modelDir. InitializeEnvironment is called if not already done.
func NewONNXEmbedder(modelDir string, opts ONNXOptions) (*ONNXEmbedder, error) {
	opts = opts.withDefaults()
	ortInit.Do(func() { ortInitErr = ort.InitializeEnvironment() })
	if ortInitErr != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", ortInitErr)
	}
	e := &ONNXEmbedder{opts: opts, tokenizer: HashTokenizer{}}
	if err := e.init(modelDir); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *ONNXEmbedder) init(modelDir string) error {
	var err error
	s := int64(e.opts.ImageSize)
	t := int64(e.opts.MaxTokens)
	d := int64(e.opts.Dimensions)

	if e.pixels, err = ort.NewTensor(ort.NewShape(1, 3, s, s), make([]float32, 3*s*s)); err != nil {
		return fmt.Errorf("failed to create pixel_values tensor: %w", err)
	}
	if e.imageOut, err = ort.NewTensor(ort.NewShape(1, int64(e.opts.Patches), d), make([]float32, int64(e.opts.Patches)*d)); err != nil {
		return fmt.Errorf("failed to create image output tensor: %w", err)
	}
	if e.inputIDs, err = ort.NewTensor(ort.NewShape(1, t), make([]int64, t)); err != nil {
		return fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	if e.attention, err = ort.NewTensor(ort.NewShape(1, t), make([]int64, t)); err != nil {
		return fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	if e.queryOut, err = ort.NewTensor(ort.NewShape(1, t, d), make([]float32, t*d)); err != nil {
		return fmt.Errorf("failed to create query output tensor: %w", err)
	}

	e.imageSession, err = ort.NewAdvancedSession(
		filepath.Join(modelDir, "image_encoder.onnx"),
		[]string{"pixel_values"},
		[]string{"embeddings"},
		[]ort.ArbitraryTensor{e.pixels},
		[]ort.ArbitraryTensor{e.imageOut},
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to create image encoder session: %w", err)
	}
	e.querySession, err = ort.NewAdvancedSession(
		filepath.Join(modelDir, "query_encoder.onnx"),
		[]string{"input_ids", "attention_mask"},
		[]string{"embeddings"},
		[]ort.ArbitraryTensor{e.inputIDs, e.attention},
		[]ort.ArbitraryTensor{e.queryOut},
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to create query encoder session: %w", err)
	}
	return nil
}

// EmbedImages decodes each JPEG, resizes it to the model input size and runs the image encoder.
func (e *ONNXEmbedder) EmbedImages(ctx context.Context, images [][]byte) ([][][]float32, error) {
	out := make([][][]float32, len(images))
	for i, data := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("embedding: decode image %d: %w", i, err)
		}
		vecs, err := e.runImage(img)
		if err != nil {
			return nil, err
		}
		out[i] = vecs
	}
	return out, nil
}

func (e *ONNXEmbedder) runImage(img image.Image) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fillPixels(e.pixels.GetData(), img, e.opts.ImageSize)
	if err := e.imageSession.Run(); err != nil {
		return nil, fmt.Errorf("image inference failed: %w", err)
	}
	return splitRows(e.imageOut.GetData(), e.opts.Patches, e.opts.Dimensions, e.opts.Patches), nil
}

// EmbedQuery tokenizes text and keeps one vector per attended token.
func (e *ONNXEmbedder) EmbedQuery(ctx context.Context, text string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, mask := e.tokenizer.Tokenize(text, e.opts.MaxTokens)

	e.mu.Lock()
	defer e.mu.Unlock()

	copy(e.inputIDs.GetData(), ids)
	copy(e.attention.GetData(), mask)
	if err := e.querySession.Run(); err != nil {
		return nil, fmt.Errorf("query inference failed: %w", err)
	}
	tokens := 0
	for _, m := range mask {
		if m == 1 {
			tokens++
		}
	}
	return splitRows(e.queryOut.GetData(), e.opts.MaxTokens, e.opts.Dimensions, tokens), nil
}

// Dimensions returns the embedding dimension.
func (e *ONNXEmbedder) Dimensions() int {
	return e.opts.Dimensions
}

// Close destroys the sessions and tensors.
func (e *ONNXEmbedder) Close() error {
	var err error
	for _, s := range []**ort.AdvancedSession{&e.imageSession, &e.querySession} {
		if *s != nil {
			if derr := (*s).Destroy(); derr != nil && err == nil {
				err = derr
			}
			*s = nil
		}
	}
	for _, t := range []**ort.Tensor[float32]{&e.pixels, &e.imageOut, &e.queryOut} {
		if *t != nil {
			_ = (*t).Destroy()
			*t = nil
		}
	}
	for _, t := range []**ort.Tensor[int64]{&e.inputIDs, &e.attention} {
		if *t != nil {
			_ = (*t).Destroy()
			*t = nil
		}
	}
	return err
}

// splitRows copies the first n rows of a [rows, dim] buffer into normalized vectors.
func splitRows(data []float32, rows, dim, n int) [][]float32 {
	if n > rows {
		n = rows
	}
	vecs := make([][]float32, n)
	for i := range vecs {
		v := make([]float32, dim)
		copy(v, data[i*dim:(i+1)*dim])
		vecs[i] = v
	}
	utils.NormalizeAll(vecs)
	return vecs
}

// fillPixels writes img into dst as a channel-first size x size tensor scaled to [-1, 1],
// using nearest-neighbour sampling.
func fillPixels(dst []float32, img image.Image, size int) {
	b := img.Bounds()
	plane := size * size
	for y := 0; y < size; y++ {
		sy := b.Min.Y + y*b.Dy()/size
		for x := 0; x < size; x++ {
			sx := b.Min.X + x*b.Dx()/size
			r, g, bl, _ := img.At(sx, sy).RGBA()
			i := y*size + x
			dst[i] = float32(r)/65535*2 - 1
			dst[plane+i] = float32(g)/65535*2 - 1
			dst[2*plane+i] = float32(bl)/65535*2 - 1
		}
	}
}
