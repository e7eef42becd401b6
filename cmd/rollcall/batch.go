package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/pipeline"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true,
	".gif": true, ".tif": true, ".tiff": true, ".webp": true,
}

// labeledImage is an image file whose owner is encoded in its name as
// "<name>_<anything>.<ext>".
type labeledImage struct {
	Path string
	Name string
}

// nameFromFile returns the user name encoded in a file name.
func nameFromFile(file string) string {
	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	name, _, _ := strings.Cut(base, "_")
	return name
}

// listImages returns the labeled images in dir sorted by path.
func listImages(dir string) ([]labeledImage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var images []labeledImage
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		name := nameFromFile(e.Name())
		if name == "" {
			continue
		}
		images = append(images, labeledImage{Path: filepath.Join(dir, e.Name()), Name: name})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Path < images[j].Path })
	return images, nil
}

func newBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)
}

type seedStats struct {
	Registered int
	Added      int
	Failed     int
}

// seedImages registers every image; a second image of an enrolled user is
// added as another face sample.
func seedImages(cmd *cobra.Command, p *pipeline.Pipeline, images []labeledImage) (seedStats, error) {
	log := logging.Component("seed")
	bar := newBar(len(images), "Registering")
	var stats seedStats

	for _, img := range images {
		if err := cmd.Context().Err(); err != nil {
			return stats, pipeline.Classify(err)
		}

		src := pipeline.Source{ImagePath: img.Path}
		_, err := p.Enroll(cmd.Context(), img.Name, src)
		if pipeline.CodeOf(err) == pipeline.ErrCodeDuplicateUser {
			_, err = p.AddFace(cmd.Context(), img.Name, src)
			if err == nil {
				stats.Added++
			}
		} else if err == nil {
			stats.Registered++
		}
		if err != nil {
			stats.Failed++
			log.WithError(err).WithField("file", img.Path).Warn("failed to register image")
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	return stats, nil
}

var seedCmd = &cobra.Command{
	Use:   "seed <dir>",
	Short: "Register every <name>_*.jpg image in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		images, err := listImages(args[0])
		if err != nil {
			return err
		}
		if len(images) == 0 {
			fmt.Println("No images found.")
			return nil
		}

		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		stats, err := seedImages(cmd, p, images)
		if err != nil {
			return err
		}
		fmt.Printf("\nRegistered %d, added %d sample(s), failed %d\n", stats.Registered, stats.Added, stats.Failed)
		return nil
	},
}

const unknownUser = "(unknown)"

type evalCase struct {
	File      string
	Expected  string
	Predicted string
}

type evalSummary struct {
	Total     int
	Correct   int
	Unknown   int
	Confusion map[string]map[string]int
}

func (s evalSummary) Accuracy() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Total)
}

// summarize compares expected with predicted names. Names are compared
// case-insensitively.
func summarize(cases []evalCase) evalSummary {
	s := evalSummary{Total: len(cases), Confusion: make(map[string]map[string]int)}
	for _, c := range cases {
		if strings.EqualFold(c.Expected, c.Predicted) {
			s.Correct++
		}
		if c.Predicted == unknownUser {
			s.Unknown++
		}
		row := s.Confusion[c.Expected]
		if row == nil {
			row = make(map[string]int)
			s.Confusion[c.Expected] = row
		}
		row[c.Predicted]++
	}
	return s
}

func printSummary(s evalSummary) {
	fmt.Printf("\nTotal: %d  Correct: %d  Unknown: %d  Accuracy: %.2f%%\n",
		s.Total, s.Correct, s.Unknown, s.Accuracy()*100)

	expected := make([]string, 0, len(s.Confusion))
	for name := range s.Confusion {
		expected = append(expected, name)
	}
	sort.Strings(expected)
	for _, name := range expected {
		var parts []string
		for predicted, n := range s.Confusion[name] {
			parts = append(parts, fmt.Sprintf("%s=%d", predicted, n))
		}
		sort.Strings(parts)
		fmt.Printf("  %-20s %s\n", name, strings.Join(parts, " "))
	}
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <register-dir> <test-dir>",
	Short: "Register one directory and report recognition accuracy on another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		registration, err := listImages(args[0])
		if err != nil {
			return err
		}
		tests, err := listImages(args[1])
		if err != nil {
			return err
		}

		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		if _, err := seedImages(cmd, p, registration); err != nil {
			return err
		}

		bar := newBar(len(tests), "Recognising")
		cases := make([]evalCase, 0, len(tests))
		for _, img := range tests {
			if err := cmd.Context().Err(); err != nil {
				return pipeline.Classify(err)
			}
			predicted := unknownUser
			neighbors, err := p.Identify(cmd.Context(), pipeline.Source{ImagePath: img.Path}, 1)
			var se *pipeline.SessionError
			switch {
			case err == nil && len(neighbors) > 0 && neighbors[0].Similarity > cfg.Recognition.Threshold:
				predicted = neighbors[0].Name
			case errors.As(err, &se) && se.Code == pipeline.ErrCodeInternal:
				return err
			}
			cases = append(cases, evalCase{File: img.Path, Expected: img.Name, Predicted: predicted})
			_ = bar.Add(1)
		}
		_ = bar.Finish()

		printSummary(summarize(cases))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd, evaluateCmd)
}
