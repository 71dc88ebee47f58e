package mcp

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/github"
	"github.com/digitaldemocracy2030/idobata/internal/redact"
)

const (
	toolUpsertFile = "upsert_file_and_commit"
	toolUpdatePR   = "update_pr_description"
)

var (
	errInvalidPath   = errors.New("invalid filePath")
	errInvalidBranch = errors.New("invalid branchName")
	errSecrets       = errors.New("content contains credentials")

	errInvalidCommitMessage = errors.New("invalid commitMessage")
)

type upsertFileInput struct {
	BranchName    string `json:"branchName" jsonschema:"Branch to commit to. Created from the base branch if missing."`
	FilePath      string `json:"filePath" jsonschema:"Repository-relative path of the Markdown file, e.g. policies/education.md"`
	Content       string `json:"content" jsonschema:"Full new content of the file"`
	CommitMessage string `json:"commitMessage" jsonschema:"Commit message, also used as the pull request summary"`
	UserName      string `json:"userName,omitempty" jsonschema:"Display name of the proposer"`
}

type updatePRInput struct {
	BranchName  string `json:"branchName" jsonschema:"Branch whose pull request is updated"`
	Title       string `json:"title,omitempty" jsonschema:"New pull request title"`
	Description string `json:"description" jsonschema:"New pull request body"`
	FilePath    string `json:"filePath,omitempty" jsonschema:"Document path used in the default title"`
	UserName    string `json:"userName,omitempty" jsonschema:"Display name of the proposer"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolUpsertFile,
		Description: "Creates or updates a Markdown file in a branch and commits the change. Creates the branch and a draft pull request if they do not exist.",
		Annotations: &mcp.ToolAnnotations{
			Title:           "Update File and Commit",
			DestructiveHint: boolPtr(false),
			OpenWorldHint:   boolPtr(false),
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest, args upsertFileInput) (*mcp.CallToolResult, any, error) {
		done := s.metrics.Begin(ctx, toolUpsertFile)
		res, err := s.upsertFile(ctx, args)
		done(err)
		return res, nil, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolUpdatePR,
		Description: "Updates the description, and optionally the title, of the pull request for a branch. Creates a draft pull request if none is open.",
		Annotations: &mcp.ToolAnnotations{
			Title:           "Update Pull Request Description",
			IdempotentHint:  true,
			DestructiveHint: boolPtr(false),
			OpenWorldHint:   boolPtr(false),
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest, args updatePRInput) (*mcp.CallToolResult, any, error) {
		done := s.metrics.Begin(ctx, toolUpdatePR)
		res, err := s.updatePR(ctx, args)
		done(err)
		return res, nil, nil
	})
}

func (s *Server) upsertFile(ctx context.Context, args upsertFileInput) (*mcp.CallToolResult, error) {
	log := s.logger.With(zap.String("branch", args.BranchName), zap.String("path", args.FilePath))

	if err := validateBranch(args.BranchName); err != nil {
		return errorResult("Error updating file", args.BranchName, err), err
	}
	if err := validateFilePath(args.FilePath); err != nil {
		return errorResult("Error updating file", args.BranchName, err), err
	}
	if strings.TrimSpace(args.CommitMessage) == "" {
		err := fmt.Errorf("%w: required", errInvalidCommitMessage)
		return errorResult("Error updating file", args.BranchName, err), err
	}

	if s.detector != nil {
		if leaks := s.detector.Scan(args.FilePath, args.Content); len(leaks) > 0 {
			log.Warn("commit blocked, credentials found", zap.Int("leaks", len(leaks)))
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: leakReport(args.FilePath, leaks)}},
			}, errSecrets
		}
	}

	if err := s.gh.EnsureBranch(ctx, args.BranchName); err != nil {
		log.Error("ensure branch failed", zap.Error(err))
		return errorResult("Error updating file", args.BranchName, err), err
	}
	commit, err := s.gh.UpsertFile(ctx, args.BranchName, args.FilePath, args.Content, args.CommitMessage)
	if err != nil {
		log.Error("commit failed", zap.Error(err))
		return errorResult("Error updating file", args.BranchName, err), err
	}

	title := github.FormatPRTitle(args.UserName, github.ExtractDocumentName(args.FilePath), args.CommitMessage)
	body := fmt.Sprintf("このプルリクエストは %s の変更を提案します。\n\n%s", args.FilePath, args.CommitMessage)
	pr, created, err := s.gh.FindOrCreateDraftPR(ctx, args.BranchName, title, body)
	if err != nil {
		log.Error("pull request lookup failed", zap.Error(err))
		return errorResult("Error updating file", args.BranchName, err), err
	}
	log.Info("file committed", zap.String("commit", commit), zap.Int("pr", pr.Number), zap.Bool("pr_created", created))

	text := fmt.Sprintf("Successfully updated file %s in branch %s (commit %s).", args.FilePath, args.BranchName, commit)
	if created {
		text += fmt.Sprintf(" Created draft pull request #%d: %s", pr.Number, pr.HTMLURL)
	} else {
		text += fmt.Sprintf(" Pull request #%d: %s", pr.Number, pr.HTMLURL)
	}
	return textResult(text), nil
}

func (s *Server) updatePR(ctx context.Context, args updatePRInput) (*mcp.CallToolResult, error) {
	log := s.logger.With(zap.String("branch", args.BranchName))

	if err := validateBranch(args.BranchName); err != nil {
		return errorResult("Error updating pull request", args.BranchName, err), err
	}
	if args.FilePath != "" {
		if err := validateFilePath(args.FilePath); err != nil {
			return errorResult("Error updating pull request", args.BranchName, err), err
		}
	}

	defaultTitle := args.Title
	if defaultTitle == "" {
		defaultTitle = github.DefaultPRTitle(args.UserName, args.FilePath, args.BranchName)
	}
	pr, created, err := s.gh.FindOrCreateDraftPR(ctx, args.BranchName, defaultTitle, args.Description)
	if err != nil {
		log.Error("pull request lookup failed", zap.Error(err))
		return errorResult("Error updating pull request", args.BranchName, err), err
	}
	if !created || args.Title != "" {
		updated, err := s.gh.UpdatePR(ctx, pr.Number, args.Title, args.Description)
		if err != nil {
			log.Error("pull request update failed", zap.Int("pr", pr.Number), zap.Error(err))
			return errorResult("Error updating pull request", args.BranchName, err), err
		}
		pr = updated
	}
	log.Info("pull request updated", zap.Int("pr", pr.Number), zap.Bool("created", created))

	fields := "description"
	if args.Title != "" {
		fields = "title and description"
	}
	return textResult(fmt.Sprintf("Successfully updated pull request %s. View PR: %s", fields, pr.HTMLURL)), nil
}

func validateBranch(branch string) error {
	switch {
	case strings.TrimSpace(branch) == "":
		return fmt.Errorf("%w: required", errInvalidBranch)
	case strings.ContainsAny(branch, " ~^:?*[\\"), strings.Contains(branch, ".."),
		strings.HasPrefix(branch, "/"), strings.HasSuffix(branch, "/"):
		return fmt.Errorf("%w: %q", errInvalidBranch, branch)
	}
	return nil
}

func validateFilePath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("%w: required", errInvalidPath)
	case strings.HasPrefix(p, "/"), strings.Contains(p, "\\"):
		return fmt.Errorf("%w: must be a relative path", errInvalidPath)
	case strings.Contains(p, ".."):
		return fmt.Errorf("%w: must not contain '..'", errInvalidPath)
	case path.Ext(p) != ".md":
		return fmt.Errorf("%w: only Markdown (.md) files can be edited", errInvalidPath)
	}
	return nil
}

// leakReport names the rules and lines that matched without echoing the
// matched text.
func leakReport(filePath string, leaks []redact.Leak) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Refusing to commit %s: content contains credentials.", filePath)
	for _, l := range leaks {
		fmt.Fprintf(&b, "\n- line %d: %s", l.Line, l.RuleID)
	}
	b.WriteString("\nRemove the secrets and try again.")
	return b.String()
}

func errorResult(action, branch string, err error) *mcp.CallToolResult {
	text := fmt.Sprintf("%s for branch %s: %v", action, branch, err)
	if code := github.StatusCode(err); code != 0 {
		text += fmt.Sprintf(" (Status: %d)", code)
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func boolPtr(b bool) *bool { return &b }
