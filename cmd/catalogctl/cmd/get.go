// file: cmd/catalogctl/cmd/get.go

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fx147/entity-catalog/internal/catalogctl/util"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/consumer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newGetCmd 创建 get 命令
func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [resource]",
		Short: "Display catalog resources",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	cmd.AddCommand(newGetEntitiesCmd())
	cmd.AddCommand(newGetCategoriesCmd())
	return cmd
}

// newGetEntitiesCmd 创建 "get entities" 子命令
func newGetEntitiesCmd() *cobra.Command {
	var (
		output  string
		kind    string
		enabled bool
	)
	cmd := &cobra.Command{
		Use:     "entities",
		Short:   "Display the entities of the catalog",
		Aliases: []string{"entity", "en"},
		RunE: func(cmd *cobra.Command, args []string) error {
			r, cleanup, err := connectConsumer(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if kind != "" {
				r.AddFilter(func(e catalog.Entity) bool {
					return strings.EqualFold(e.GetTypeMeta().Kind, kind)
				})
			}
			if enabled {
				r.AddFilter(func(e catalog.Entity) bool {
					s := e.GetStatus()
					return s.Enabled == nil || *s.Enabled
				})
			}

			entities := r.FilteredEntities()
			if len(entities) == 0 && output == util.OutputTable {
				fmt.Fprintln(cmd.OutOrStdout(), "No entities found.")
				return nil
			}
			return util.PrintEntities(cmd.OutOrStdout(), entities, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", util.OutputTable, "Output format: table, json or yaml")
	cmd.Flags().StringVar(&kind, "kind", "", "Only show entities of this kind")
	cmd.Flags().BoolVar(&enabled, "enabled", false, "Hide entities whose status is explicitly disabled")
	return cmd
}

// newGetCategoriesCmd 创建 "get categories" 子命令，列出本地注册的分类。
func newGetCategoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "categories",
		Short:   "Display the categories known to this client",
		Aliases: []string{"category"},
		RunE: func(cmd *cobra.Command, args []string) error {
			r, cleanup, err := connectConsumer(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-20s %-12s %s\n", "NAME", "ENTITIES", "API VERSIONS")
			for _, c := range r.Categories().Items() {
				fmt.Fprintf(out, "%-20s %-12d %s\n",
					c.Metadata.Name, len(r.ItemsByCategory(c)), strings.Join(c.APIVersions(), ","))
			}
			return nil
		},
	}
}

// connectConsumer 连接 host 并等待初始快照同步完成。
func connectConsumer(ctx context.Context, navigate func(string)) (*consumer.Registry, func(), error) {
	client, err := util.NewClientFromFlags(ctx)
	if err != nil {
		return nil, nil, err
	}

	r, err := util.NewConsumerFromFlags(navigate)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	sub, err := util.StartAndSettle(ctx, r, &consumer.CatalogStream{Bus: client}, viper.GetDuration("settle"))
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	return r, func() {
		_ = sub.Close()
		client.Close()
	}, nil
}
