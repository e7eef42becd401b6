package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/pipeline"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

var imagePath string

var registerCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Enroll a new user from the camera or an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		src := pipeline.Source{ImagePath: imagePath}
		if !src.Still() {
			fmt.Println("Look at the camera...")
		}
		user, err := p.Enroll(cmd.Context(), args[0], src)
		if err != nil {
			return err
		}
		fmt.Printf("Registered %s (%s)\n", user.Name, user.ID)
		return nil
	},
}

var addFaceCmd = &cobra.Command{
	Use:   "add-face <name>",
	Short: "Add another face sample to an enrolled user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		user, err := p.AddFace(cmd.Context(), args[0], pipeline.Source{ImagePath: imagePath})
		if err != nil {
			return err
		}
		fmt.Printf("Added face sample for %s\n", user.Name)
		return nil
	},
}

var markCmd = &cobra.Command{
	Use:   "mark",
	Short: "Recognise a face and mark attendance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		src := pipeline.Source{ImagePath: imagePath}
		if !src.Still() {
			fmt.Println("Look at the camera...")
		}
		res, err := p.Mark(cmd.Context(), src)
		if res == nil {
			return err
		}
		for _, r := range res.Recognized {
			status := "marked present"
			if !r.Marked {
				status = "already present"
			}
			fmt.Printf("%s: %s (similarity %.3f)\n", r.Name, status, r.Similarity)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Done in %s\n", res.Duration.Round(time.Millisecond))
		return nil
	},
}

func listCommand(use, short, empty string, list func(p *pipeline.Pipeline, cmd *cobra.Command) ([]storage.User, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			users, err := list(p, cmd)
			if err != nil {
				return err
			}
			printUsers(users, empty)
			return nil
		},
	}
}

func printUsers(users []storage.User, empty string) {
	if len(users) == 0 {
		fmt.Println(empty)
		return
	}
	for _, u := range users {
		fmt.Printf("  - %s\n", u.Name)
	}
	fmt.Printf("\nTotal: %d user(s)\n", len(users))
}

var (
	presentCmd = listCommand("present", "List users marked present today", "Nobody is present yet.",
		func(p *pipeline.Pipeline, cmd *cobra.Command) ([]storage.User, error) { return p.Present(cmd.Context()) })
	absentCmd = listCommand("absent", "List users not yet marked today", "Everyone is present.",
		func(p *pipeline.Pipeline, cmd *cobra.Command) ([]storage.User, error) { return p.Absent(cmd.Context()) })
	usersCmd = listCommand("users", "List enrolled users", "No users enrolled.",
		func(p *pipeline.Pipeline, cmd *cobra.Command) ([]storage.User, error) { return p.Users(cmd.Context()) })
)

var compareCmd = &cobra.Command{
	Use:   "compare <image-a> <image-b>",
	Short: "Compare the faces in two images",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		sim, ok, err := p.Compare(cmd.Context(), pipeline.Source{ImagePath: args[0]}, pipeline.Source{ImagePath: args[1]})
		if err != nil {
			return err
		}
		verdict := "different people"
		if ok {
			verdict = "same person"
		}
		fmt.Printf("Similarity: %.4f (threshold %.2f): %s\n", sim, cfg.Recognition.Threshold, verdict)
		return nil
	},
}

var identifyK int

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Show the enrolled users most similar to a face",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		neighbors, err := p.Identify(cmd.Context(), pipeline.Source{ImagePath: imagePath}, identifyK)
		if err != nil {
			return err
		}
		for i, n := range neighbors {
			fmt.Printf("%d. %-24s %.4f\n", i+1, n.Name, n.Similarity)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{registerCmd, addFaceCmd, markCmd, identifyCmd} {
		c.Flags().StringVar(&imagePath, "image", "", "Use a still image instead of the camera")
	}
	identifyCmd.Flags().IntVarP(&identifyK, "top", "k", 3, "Number of candidates to show")

	rootCmd.AddCommand(registerCmd, addFaceCmd, markCmd, presentCmd, absentCmd, usersCmd, compareCmd, identifyCmd)
}
