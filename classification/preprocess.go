package classification

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"runtime"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sys/cpu"
)

var resampleFilters = map[string]imaging.ResampleFilter{
	"nearest":    imaging.NearestNeighbor,
	"box":        imaging.Box,
	"linear":     imaging.Linear,
	"catmullrom": imaging.CatmullRom,
	"lanczos":    imaging.Lanczos,
}

func ParseResampleFilter(name string) (imaging.ResampleFilter, error) {
	f, ok := resampleFilters[strings.ToLower(name)]
	if !ok {
		return imaging.ResampleFilter{}, fmt.Errorf("unknown resample filter %q", name)
	}
	return f, nil
}

// CPUFeatures lists the vector extensions available to the inference runtime.
func CPUFeatures() map[string]bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return map[string]bool{
			"sse41":   cpu.X86.HasSSE41,
			"avx2":    cpu.X86.HasAVX2,
			"avx512f": cpu.X86.HasAVX512F,
			"fma":     cpu.X86.HasFMA,
		}
	case "arm64":
		return map[string]bool{
			"asimd":   cpu.ARM64.HasASIMD,
			"asimdhp": cpu.ARM64.HasASIMDHP,
			"sve":     cpu.ARM64.HasSVE,
		}
	default:
		return map[string]bool{}
	}
}

// Preprocessor turns encoded images into the model's NHWC float32 input.
type Preprocessor struct {
	width, height int
	channels      int
	filter        imaging.ResampleFilter
	numWorkers    int
}

func NewPreprocessor(filter imaging.ResampleFilter) *Preprocessor {
	return &Preprocessor{
		width:      InputWidth,
		height:     InputHeight,
		channels:   InputChannels,
		filter:     filter,
		numWorkers: runtime.GOMAXPROCS(0),
	}
}

func (p *Preprocessor) Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Cause: err}
	}
	if img.Bounds().Empty() {
		return nil, &DecodeError{Cause: errors.New("image has no pixels")}
	}
	return img, nil
}

func (p *Preprocessor) Resize(img image.Image) *image.NRGBA {
	return imaging.Resize(img, p.width, p.height, p.filter)
}

// Tensor converts a resized image into a (1, H, W, 3) buffer scaled to [0, 1].
// Alpha is dropped without compositing.
func (p *Preprocessor) Tensor(img *image.NRGBA) ([]float32, error) {
	b := img.Bounds()
	if b.Dx() != p.width || b.Dy() != p.height {
		return nil, fmt.Errorf("unexpected image size %dx%d, want %dx%d", b.Dx(), b.Dy(), p.width, p.height)
	}

	buffer := make([]float32, p.width*p.height*p.channels)
	p.processParallel(img, buffer)
	return buffer, nil
}

// Process decodes, resizes and normalizes in one step.
func (p *Preprocessor) Process(data []byte) ([]float32, error) {
	img, err := p.Decode(data)
	if err != nil {
		return nil, err
	}
	return p.Tensor(p.Resize(img))
}

func (p *Preprocessor) processParallel(img *image.NRGBA, buffer []float32) {
	numWorkers := min(p.numWorkers, p.height)
	if numWorkers < 1 {
		numWorkers = 1
	}
	rowsPerWorker := p.height / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == numWorkers-1 {
			endRow = p.height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride : y*img.Stride+p.width*4]
				dst := buffer[y*p.width*p.channels : (y+1)*p.width*p.channels]
				for x := 0; x < p.width; x++ {
					dst[x*3] = float32(src[x*4]) / 255.0
					dst[x*3+1] = float32(src[x*4+1]) / 255.0
					dst[x*3+2] = float32(src[x*4+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}
