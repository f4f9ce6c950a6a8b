// Command studyctl 是 studymate 的运维命令行：索引维护、批量导入文档与签发 token。
//
// 使用 memory 索引后端时，index 与 ingest 命令会读写对象存储中的索引快照，
// 应在服务停止时运行，否则服务下一次落盘会覆盖命令行的修改。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"studymate-go/internal/app"
	"studymate-go/internal/config"
	"studymate-go/pkg/log"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "studyctl",
	Short:         "studymate 运维工具",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		config.Conf = cfg
		log.Init(logLevel, "console", "")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "日志级别")
}

// withApp 装配应用并恢复索引，fn 返回后把索引落盘。
func withApp(ctx context.Context, fn func(a *app.App) error) (err error) {
	a, err := app.New(ctx, config.Conf)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(context.Background()); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	if err := a.RestoreIndex(ctx); err != nil {
		return err
	}
	return fn(a)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func run() int {
	defer log.Sync()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
