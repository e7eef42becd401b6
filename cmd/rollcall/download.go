package main

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

// dlibModelBaseURL hosts the bzip2-compressed dlib models.
var dlibModelBaseURL = "http://dlib.net/files/"

var downloadModelsCmd = &cobra.Command{
	Use:   "download-models [dir]",
	Short: "Download the dlib face models",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		modelDir := cfg.Recognition.ModelPath
		if len(args) > 0 {
			modelDir = args[0]
		}
		return downloadModels(cmd.Context(), modelDir)
	},
}

func init() {
	rootCmd.AddCommand(downloadModelsCmd)
}

func downloadModels(ctx context.Context, modelDir string) error {
	log := logging.Component("recognition")
	log.Infof("Downloading models to: %s", modelDir)

	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	for _, name := range recognition.DlibModelFiles {
		targetPath := filepath.Join(modelDir, name)
		if _, err := os.Stat(targetPath); err == nil {
			log.Infof("Model %s already exists, skipping", name)
			continue
		}

		log.Infof("Downloading %s...", name)
		if err := downloadAndExtract(ctx, dlibModelBaseURL+name+".bz2", targetPath); err != nil {
			return fmt.Errorf("failed to download %s: %w", name, err)
		}
		log.Infof("Successfully downloaded %s", name)
	}

	log.Info("All models downloaded successfully!")
	return nil
}

func downloadAndExtract(ctx context.Context, url, targetPath string) error {
	client := &http.Client{Timeout: 10 * time.Minute}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	// Write to a temp file so an interrupted download is not mistaken for a model.
	tmp := targetPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(targetPath))
	body := io.TeeReader(resp.Body, bar)

	if _, err := io.Copy(out, bzip2.NewReader(body)); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, targetPath)
}
