package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/manifoldco/promptui"
	"github.com/moby/moby/client"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cleanContainersOnly bool
var cleanAgree bool

var cleanCmd = &cobra.Command{
	Use:     "clean",
	Aliases: []string{"prune", "cleanup"},
	Short:   "Clean all docker artifacts created by crucible agents",
	Long: `This command cleans all docker artifacts created by crucible agents on this
machine: leftover task containers, both running and stopped, as well as the
toolchain images that were built for experiments.`,
	Run: func(cmd *cobra.Command, args []string) {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			logrus.Fatalf("Couldn't create docker client - %v", err)
		}
		defer cli.Close()

		crucibleLabel := filters.NewArgs(filters.KeyValuePair{Key: "label", Value: "crucible=1"})

		containers, err := cli.ContainerList(context.Background(), container.ListOptions{
			All:     true,
			Filters: crucibleLabel,
		})
		if err != nil {
			logrus.Fatalf("Couldn't list docker containers - %v", err)
		}

		var images []image.Summary
		if !cleanContainersOnly {
			images, err = cli.ImageList(context.Background(), image.ListOptions{
				All:     true,
				Filters: crucibleLabel,
			})
			if err != nil {
				logrus.Fatalf("Couldn't list docker images - %v", err)
			}
		}

		if len(containers)+len(images) == 0 {
			logrus.Info("Nothing to remove. Exiting...")
			return
		}

		message := fmt.Sprintf("About to delete %d containers", len(containers))
		if !cleanContainersOnly {
			message += fmt.Sprintf(" and %d images", len(images))
		}
		logrus.Info(message + ".")

		if !cleanAgree {
			prompt := promptui.Prompt{
				Label:     "Proceed",
				IsConfirm: true,
			}
			if _, err := prompt.Run(); err != nil {
				logrus.Info("Exiting...")
				os.Exit(0)
			}
		}

		for _, c := range containers {
			logrus.Infof("Deleting container %s (ID: %s)", c.Names[0][1:], c.ID)
			if err := cli.ContainerRemove(context.Background(), c.ID, container.RemoveOptions{Force: true}); err != nil {
				logrus.Fatalf("Failed to remove container with ID %s - %v", c.ID, err)
			}
		}

		for _, i := range images {
			logrus.Infof("Deleting image %s (ID: %s)", i.RepoTags[0], i.ID)
			if _, err := cli.ImageRemove(context.Background(), i.ID, image.RemoveOptions{
				PruneChildren: true,
				Force:         true,
			}); err != nil {
				logrus.Fatalf("Failed to remove image with ID %s - %v", i.ID, err)
			}
		}

		logrus.Info("Done cleaning up.")
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolVarP(&cleanContainersOnly, "containers", "c", false, "Only delete containers, no images.")
	cleanCmd.Flags().BoolVarP(&cleanAgree, "assume-yes", "y", false, `Bypass "Are you sure?" message.`)
}
