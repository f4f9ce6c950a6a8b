package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"studymate-go/internal/app"
	"studymate-go/internal/model"
	"studymate-go/internal/service"
	"studymate-go/pkg/log"
)

var (
	ingestUser    uint
	ingestSubject uint
	ingestPublic  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file-or-dir>...",
	Short: "批量导入 PDF 文档",
	Long:  `以 --user 指定的用户身份导入文件或目录下的所有 PDF。同名文档已存在时跳过。`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := collectPDFs(args)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			return ingestFiles(cmd, a, files)
		})
	},
}

func init() {
	ingestCmd.Flags().UintVarP(&ingestUser, "user", "u", 0, "上传者用户 ID")
	ingestCmd.Flags().UintVarP(&ingestSubject, "subject", "s", 0, "学科 ID，不指定时导入通用库")
	ingestCmd.Flags().BoolVar(&ingestPublic, "public", false, "通用库文档是否对所有人可见")
	_ = ingestCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(ingestCmd)
}

// collectPDFs 展开参数中的目录，按路径顺序返回所有 .pdf 文件。
func collectPDFs(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".pdf") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func ingestFiles(cmd *cobra.Command, a *app.App, files []string) error {
	ctx := cmd.Context()
	user, err := a.Users.FindByID(ctx, ingestUser)
	if err != nil {
		return fmt.Errorf("user %d: %w", ingestUser, err)
	}
	p := model.Principal{UserID: user.ID, Role: user.Role}

	var subjectID *uint
	if ingestSubject != 0 {
		subjectID = &ingestSubject
	}
	existing, err := existingNames(ctx, a, p, subjectID)
	if err != nil {
		return err
	}

	var failed int
	for _, path := range files {
		name := filepath.Base(path)
		if existing[name] {
			fmt.Fprintf(cmd.OutOrStdout(), "skip    %s (已存在)\n", path)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		res, err := a.Document.Upload(ctx, p, service.UploadRequest{
			FileName:  name,
			Data:      data,
			SubjectID: subjectID,
			IsPublic:  ingestPublic,
		})
		switch {
		case err != nil:
			failed++
			log.Errorf("[studyctl] 导入 %s 失败: %v", path, err)
			fmt.Fprintf(cmd.OutOrStdout(), "failed  %s: %v\n", path, err)
		case res.Queued:
			fmt.Fprintf(cmd.OutOrStdout(), "queued  %s (document %d)\n", path, res.Document.ID)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "ok      %s (document %d, %d chunks)\n", path, res.Document.ID, res.Document.ChunkCount)
		}
		existing[name] = true
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

func existingNames(ctx context.Context, a *app.App, p model.Principal, subjectID *uint) (map[string]bool, error) {
	docs, err := a.Document.List(ctx, p, subjectID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(docs))
	for _, d := range docs {
		// 入库失败的文件允许重新导入
		if d.UploadedBy == p.UserID && d.Status != model.DocumentFailed {
			names[d.OriginalName] = true
		}
	}
	return names, nil
}
