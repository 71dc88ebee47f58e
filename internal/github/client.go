// Package github edits policy documents in the target repository through
// the GitHub REST API: branches, file commits and draft pull requests.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/digitaldemocracy2030/idobata/internal/config"
)

// ErrNotConfigured is returned when the token or target repository is
// missing.
var ErrNotConfigured = errors.New("github client not configured")

// PRInfo identifies a pull request.
type PRInfo struct {
	Number  int
	HTMLURL string
	Title   string
}

// Client performs the contribution operations against one repository.
type Client struct {
	gh         *github.Client
	owner      string
	repo       string
	baseBranch string
	retry      *RetryConfig
	logger     *zap.Logger
}

// New creates a Client authenticated with the configured token.
func New(ctx context.Context, cfg config.GitHubConfig, logger *zap.Logger) (*Client, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("%w: token not set", ErrNotConfigured)
	}
	if cfg.TargetOwner == "" || cfg.TargetRepo == "" {
		return nil, fmt.Errorf("%w: target owner and repo are required", ErrNotConfigured)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	gh := github.NewClient(oauth2.NewClient(ctx, ts))
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing github base url: %w", err)
		}
		gh.BaseURL = base
	}
	return NewWithClient(gh, cfg, logger), nil
}

// NewWithClient wraps an existing go-github client.
func NewWithClient(gh *github.Client, cfg config.GitHubConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := cfg.BaseBranch
	if base == "" {
		base = "main"
	}
	return &Client{
		gh:         gh,
		owner:      cfg.TargetOwner,
		repo:       cfg.TargetRepo,
		baseBranch: base,
		retry:      DefaultRetryConfig(),
		logger:     logger.Named("github"),
	}
}

// SetRetryConfig replaces the retry policy.
func (c *Client) SetRetryConfig(cfg *RetryConfig) {
	c.retry = cfg
}

// Repository returns "owner/repo".
func (c *Client) Repository() string {
	return c.owner + "/" + c.repo
}

// EnsureBranch creates branch from the head of the base branch unless it
// already exists.
func (c *Client) EnsureBranch(ctx context.Context, branch string) error {
	log := c.logger.With(zap.String("branch", branch))
	_, err := retry(ctx, c.retry, c.logger, "get branch ref", func() (*github.Response, error) {
		_, resp, err := c.gh.Git.GetRef(ctx, c.owner, c.repo, "heads/"+branch)
		return resp, err
	})
	if err == nil {
		log.Debug("branch exists")
		return nil
	}
	if StatusCode(err) != http.StatusNotFound {
		return fmt.Errorf("checking branch %s: %w", branch, err)
	}

	var baseSHA string
	_, err = retry(ctx, c.retry, c.logger, "get base ref", func() (*github.Response, error) {
		ref, resp, err := c.gh.Git.GetRef(ctx, c.owner, c.repo, "heads/"+c.baseBranch)
		if err == nil {
			baseSHA = ref.GetObject().GetSHA()
		}
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("reading base branch %s: %w", c.baseBranch, err)
	}

	_, err = retry(ctx, c.retry, c.logger, "create branch ref", func() (*github.Response, error) {
		_, resp, err := c.gh.Git.CreateRef(ctx, c.owner, c.repo, &github.Reference{
			Ref:    github.String("refs/heads/" + branch),
			Object: &github.GitObject{SHA: github.String(baseSHA)},
		})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("creating branch %s: %w", branch, err)
	}
	log.Info("branch created", zap.String("base", c.baseBranch), zap.String("sha", baseSHA))
	return nil
}

// UpsertFile creates or updates path on branch and returns the commit sha.
func (c *Client) UpsertFile(ctx context.Context, branch, path, content, message string) (string, error) {
	var existingSHA string
	_, err := retry(ctx, c.retry, c.logger, "get contents", func() (*github.Response, error) {
		file, _, resp, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, path,
			&github.RepositoryContentGetOptions{Ref: branch})
		if err == nil && file != nil {
			existingSHA = file.GetSHA()
		}
		return resp, err
	})
	if err != nil && StatusCode(err) != http.StatusNotFound {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte(content),
		Branch:  github.String(branch),
	}
	if existingSHA != "" {
		opts.SHA = github.String(existingSHA)
	}

	var commitSHA string
	_, err = retry(ctx, c.retry, c.logger, "write contents", func() (*github.Response, error) {
		var (
			res  *github.RepositoryContentResponse
			resp *github.Response
			err  error
		)
		if existingSHA != "" {
			res, resp, err = c.gh.Repositories.UpdateFile(ctx, c.owner, c.repo, path, opts)
		} else {
			res, resp, err = c.gh.Repositories.CreateFile(ctx, c.owner, c.repo, path, opts)
		}
		if err == nil && res != nil {
			commitSHA = res.Commit.GetSHA()
		}
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("committing %s: %w", path, err)
	}
	c.logger.Info("file committed",
		zap.String("branch", branch),
		zap.String("path", path),
		zap.Bool("updated", existingSHA != ""),
		zap.String("commit", commitSHA),
	)
	return commitSHA, nil
}

// FindOrCreateDraftPR returns the open pull request from branch, creating
// a draft against the base branch when there is none.
func (c *Client) FindOrCreateDraftPR(ctx context.Context, branch, title, body string) (PRInfo, bool, error) {
	var open []*github.PullRequest
	_, err := retry(ctx, c.retry, c.logger, "list pull requests", func() (*github.Response, error) {
		prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
			State: "open",
			Head:  c.owner + ":" + branch,
			Base:  c.baseBranch,
		})
		open = prs
		return resp, err
	})
	if err != nil {
		return PRInfo{}, false, fmt.Errorf("listing pull requests for %s: %w", branch, err)
	}
	if len(open) > 0 {
		return infoOf(open[0]), false, nil
	}

	var created *github.PullRequest
	_, err = retry(ctx, c.retry, c.logger, "create pull request", func() (*github.Response, error) {
		pr, resp, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
			Title: github.String(title),
			Head:  github.String(branch),
			Base:  github.String(c.baseBranch),
			Body:  github.String(body),
			Draft: github.Bool(true),
		})
		created = pr
		return resp, err
	})
	if err != nil {
		return PRInfo{}, false, fmt.Errorf("creating pull request for %s: %w", branch, err)
	}
	info := infoOf(created)
	c.logger.Info("draft pull request created", zap.String("branch", branch), zap.Int("number", info.Number))
	return info, true, nil
}

// UpdatePR sets the body of pull request number, and its title when title
// is not empty.
func (c *Client) UpdatePR(ctx context.Context, number int, title, body string) (PRInfo, error) {
	patch := &github.PullRequest{Body: github.String(body)}
	if title != "" {
		patch.Title = github.String(title)
	}
	var updated *github.PullRequest
	_, err := retry(ctx, c.retry, c.logger, "update pull request", func() (*github.Response, error) {
		pr, resp, err := c.gh.PullRequests.Edit(ctx, c.owner, c.repo, number, patch)
		updated = pr
		return resp, err
	})
	if err != nil {
		return PRInfo{}, fmt.Errorf("updating pull request #%d: %w", number, err)
	}
	return infoOf(updated), nil
}

func infoOf(pr *github.PullRequest) PRInfo {
	return PRInfo{Number: pr.GetNumber(), HTMLURL: pr.GetHTMLURL(), Title: pr.GetTitle()}
}

// StatusCode returns the HTTP status carried by a go-github error, or 0.
func StatusCode(err error) int {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode
	}
	var rl *github.RateLimitError
	if errors.As(err, &rl) && rl.Response != nil {
		return rl.Response.StatusCode
	}
	var arl *github.AbuseRateLimitError
	if errors.As(err, &arl) && arl.Response != nil {
		return arl.Response.StatusCode
	}
	return 0
}
