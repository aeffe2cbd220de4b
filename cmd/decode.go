package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/opengs/formdecode"
	"github.com/opengs/formdecode/source/fs"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Stored bodies may carry their request content type in a file next to them.
const contentTypeSuffix = ".content-type"

var decodeCMD = &cobra.Command{
	Use:   "decode <directory>",
	Short: "Decode stored request bodies",
	Long:  "Decode every request body stored below a directory and print what was found. The content type of a body is read from <body>" + contentTypeSuffix + " or given with --content-type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		opts := decodeOptions{}
		opts.contentType, _ = cmd.Flags().GetString("content-type")
		opts.saveDir, _ = cmd.Flags().GetString("save-dir")
		opts.format, _ = cmd.Flags().GetString("format")
		opts.concurrency, _ = cmd.Flags().GetInt("concurrency")
		if opts.format != "json" && opts.format != "yaml" {
			return fmt.Errorf("unsupported output format %q", opts.format)
		}

		decoderConfig, err := cfg.Decoder.Build()
		if err != nil {
			return err
		}
		chunkSize, err := cfg.Decoder.ChunkBytes()
		if err != nil {
			return err
		}
		decoder, err := formdecode.New(decoderConfig, formdecode.WithLogger(logger))
		if err != nil {
			return err
		}

		reports, err := decodeDir(cmd.Context(), decoder, os.DirFS(args[0]), chunkSize, opts)
		if err != nil {
			return err
		}
		return writeReports(cmd.OutOrStdout(), opts.format, reports)
	},
}

func init() {
	decodeCMD.Flags().String("content-type", "", "Content type used for bodies without a "+contentTypeSuffix+" file")
	decodeCMD.Flags().String("save-dir", "", "Directory uploaded files are saved to")
	decodeCMD.Flags().String("format", "json", "Output format. Possible values are json, yaml")
	decodeCMD.Flags().Int("concurrency", 4, "Number of bodies decoded at the same time")
}

type decodeOptions struct {
	contentType string
	saveDir     string
	format      string
	concurrency int
}

type report struct {
	Path    string   `json:"path" yaml:"path"`
	Etag    string   `json:"etag" yaml:"etag"`
	Size    int64    `json:"size" yaml:"size"`
	Error   string   `json:"error,omitempty" yaml:"error,omitempty"`
	Summary *summary `json:"summary,omitempty" yaml:"summary,omitempty"`
}

func decodeDir(ctx context.Context, decoder *formdecode.Decoder, fsys iofs.FS, chunkSize int, opts decodeOptions) ([]report, error) {
	walker := fs.Walk(fsys, ".", chunkSize)

	var (
		lock    sync.Mutex
		reports []report
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.concurrency, 1))

	for {
		body, err := walker.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			g.Wait()
			return nil, err
		}
		if strings.HasSuffix(body.Path, contentTypeSuffix) {
			continue
		}

		g.Go(func() error {
			r := report{Path: body.Path, Etag: body.Etag, Size: body.Size}
			s, err := decodeBody(ctx, decoder, fsys, walker, body, opts)
			if err != nil {
				r.Error = err.Error()
			} else {
				r.Summary = &s
			}

			lock.Lock()
			reports = append(reports, r)
			lock.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(reports, func(a, b report) int {
		return strings.Compare(a.Path, b.Path)
	})
	return reports, nil
}

func decodeBody(ctx context.Context, decoder *formdecode.Decoder, fsys iofs.FS, walker *fs.Walker, body *fs.Body, opts decodeOptions) (summary, error) {
	contentType := opts.contentType
	if data, err := iofs.ReadFile(fsys, body.Path+contentTypeSuffix); err == nil {
		contentType = strings.TrimSpace(string(data))
	}
	if contentType == "" {
		return summary{}, fmt.Errorf("%w: no content type for %s", formdecode.ErrUnsupportedContentType, body.Path)
	}

	result, err := decoder.Decode(ctx, contentType, walker.Open(body))
	if err != nil {
		return summary{}, err
	}
	defer result.Close()

	s, err := summarize(result)
	if err != nil {
		return summary{}, err
	}
	if opts.saveDir != "" && result.Parts != nil {
		if err := saveFiles(result, body, opts.saveDir, &s); err != nil {
			return summary{}, err
		}
	}
	return s, nil
}

// saveFiles stores uploaded files as <saveDir>/<body>-<index>-<file name>.
func saveFiles(result *formdecode.Result, body *fs.Body, saveDir string, s *summary) error {
	prefix := strings.ReplaceAll(body.Path, "/", "_")
	for i, part := range result.Parts.Seq() {
		if part.FileName() == "" {
			continue
		}
		path := filepath.Join(saveDir, fmt.Sprintf("%s-%d-%s", prefix, i, filepath.Base(part.FileName())))
		if err := part.SaveAs(path); err != nil {
			return err
		}
		s.Parts[i].SavedAs = path
	}
	return nil
}

func writeReports(w io.Writer, format string, reports []report) error {
	if format == "yaml" {
		encoder := yaml.NewEncoder(w)
		defer encoder.Close()
		return encoder.Encode(reports)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(reports)
}
