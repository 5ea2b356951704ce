// Package dataset は画像フォルダをドメインごとに読み、ドメイン順に並んだバッチを作る。
package dataset

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sw965/cyclemae/blas32/tensor/4d"
	"golang.org/x/sync/errgroup"
)

var imageExts = []string{".png", ".jpg", ".jpeg"}

// Domains はドメイン d の画像パスを Files[d] に持つ。
type Domains struct {
	Names []string
	Files [][]string
}

func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(imageExts, strings.ToLower(filepath.Ext(e.Name()))) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: no images", dir)
	}
	slices.Sort(files)
	return files, nil
}

// OpenDomains は dirs の順にドメイン番号を振る。
func OpenDomains(dirs ...string) (*Domains, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no domain directories")
	}
	ds := &Domains{Names: make([]string, len(dirs)), Files: make([][]string, len(dirs))}
	for d, dir := range dirs {
		files, err := ListImages(dir)
		if err != nil {
			return nil, err
		}
		ds.Names[d] = filepath.Base(filepath.Clean(dir))
		ds.Files[d] = files
	}
	return ds, nil
}

func (ds *Domains) Len() int {
	return len(ds.Files)
}

type Batch struct {
	Images tensor4d.General
	Labels []int
	Paths  []string
}

// Sampler はドメインごとに BatchPerDomain 枚を無作為に選び、ドメイン 0, 1, ... の順に積む。
type Sampler struct {
	Domains        *Domains
	Transform      Transform
	BatchPerDomain int
	Parallel       int
	Rng            *rand.Rand
}

func (s *Sampler) pick() ([]string, []int) {
	n := s.BatchPerDomain * s.Domains.Len()
	paths := make([]string, 0, n)
	labels := make([]int, 0, n)
	for d, files := range s.Domains.Files {
		for range s.BatchPerDomain {
			paths = append(paths, files[s.Rng.IntN(len(files))])
			labels = append(labels, d)
		}
	}
	return paths, labels
}

func (s *Sampler) Next(ctx context.Context) (Batch, error) {
	if s.BatchPerDomain <= 0 {
		return Batch{}, fmt.Errorf("batch per domain must be positive, got %d", s.BatchPerDomain)
	}
	paths, labels := s.pick()
	size := s.Transform.Size
	imgs := tensor4d.NewZeros(len(paths), 3, size, size)

	g, ctx := errgroup.WithContext(ctx)
	if s.Parallel > 0 {
		g.SetLimit(s.Parallel)
	}
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			vals, err := s.Transform.LoadFile(path)
			if err != nil {
				return err
			}
			copy(imgs.Image(i), vals)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}
	return Batch{Images: imgs, Labels: labels, Paths: paths}, nil
}
