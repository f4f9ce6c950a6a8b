package main

import (
	"github.com/spf13/cobra"
	"studymate-go/internal/app"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "向量索引维护",
}

var indexStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "对比索引与关系库中各分区的规模",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			status, err := a.IndexAdmin.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, status)
		})
	},
}

var rebuildPartition string

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "从关系库中的分块重建索引",
	Long:  `重建指定分区（如 global、subject-3），不指定时重建全部分区。旧模型生成的向量会被重新嵌入。`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			report, err := a.IndexAdmin.Rebuild(cmd.Context(), rebuildPartition)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

var indexReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "修复缺失的文档并移除孤儿文档",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			report, err := a.IndexAdmin.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

func init() {
	indexRebuildCmd.Flags().StringVarP(&rebuildPartition, "partition", "p", "", "只重建该分区")

	indexCmd.AddCommand(indexStatusCmd)
	indexCmd.AddCommand(indexRebuildCmd)
	indexCmd.AddCommand(indexReconcileCmd)
	rootCmd.AddCommand(indexCmd)
}
