// file: cmd/catalogctl/cmd/weblink.go

package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fx147/entity-catalog/internal/catalogctl/util"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/spf13/cobra"
)

// newWebLinkCmd 创建 weblink 命令
func newWebLinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "weblink",
		Short:   "Manage saved web links",
		Aliases: []string{"weblinks", "wl"},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	cmd.AddCommand(newWebLinkAddCmd())
	cmd.AddCommand(newWebLinkDeleteCmd())
	return cmd
}

func newWebLinkAddCmd() *cobra.Command {
	var labels []string
	cmd := &cobra.Command{
		Use:   "add <name> <url>",
		Short: "Save a new web link",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseLabels(labels)
			if err != nil {
				return err
			}

			client, err := util.NewClientFromFlags(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			raw, err := client.Invoke(cmd.Context(), catalog.WebLinkAddChannel, catalog.WebLinkAddRequest{
				Name:   args[0],
				URL:    args[1],
				Labels: parsed,
			})
			if err != nil {
				return err
			}

			var created metav1.RawEntity
			if err := json.Unmarshal(raw, &created); err != nil {
				return fmt.Errorf("failed to decode created weblink: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "weblink %q created with uid %s\n", created.Metadata.Name, created.Metadata.UID)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&labels, "label", "l", nil, "Labels of the web link, in the form key=value")
	return cmd
}

func newWebLinkDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <uid>",
		Short:   "Delete a saved web link",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := util.NewClientFromFlags(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			if _, err := client.Invoke(cmd.Context(), catalog.EntityDeleteChannel, catalog.EntityDeleteRequest{UID: args[0]}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entity %s deleted\n", args[0])
			return nil
		},
	}
}

// parseLabels 把 "k=v" 形式的参数解析为标签
func parseLabels(in []string) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for _, l := range in {
		k, v, ok := strings.Cut(l, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q, must be key=value", l)
		}
		out[k] = v
	}
	return out, nil
}
