package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/digitaldemocracy2030/idobata/internal/auth"
	"github.com/digitaldemocracy2030/idobata/internal/logging"
	"github.com/digitaldemocracy2030/idobata/internal/store"
)

// ThemeRequest is the body of theme create and update. Absent fields are
// left unchanged on update.
type ThemeRequest struct {
	Title        *string `json:"title"`
	Description  *string `json:"description"`
	Slug         *string `json:"slug"`
	IsActive     *bool   `json:"isActive"`
	CustomPrompt *string `json:"customPrompt"`
}

// ThemeDetail is a theme with its activity counts.
type ThemeDetail struct {
	store.Theme
	KeyQuestionCount int `json:"keyQuestionCount"`
	CommentCount     int `json:"commentCount"`
	ProblemCount     int `json:"problemCount"`
	SolutionCount    int `json:"solutionCount"`
}

// QuestionSummary is a sharp question with its link counts.
type QuestionSummary struct {
	store.SharpQuestion
	IssueCount    int `json:"issueCount"`
	SolutionCount int `json:"solutionCount"`
}

// LinkedItem is a problem or solution linked to a question.
type LinkedItem struct {
	store.Item
	RelevanceScore float64 `json:"relevanceScore"`
	Rationale      string  `json:"rationale,omitempty"`
}

// QuestionDetail is a question with the items linked to it.
type QuestionDetail struct {
	Question         store.SharpQuestion `json:"question"`
	RelatedProblems  []LinkedItem        `json:"relatedProblems"`
	RelatedSolutions []LinkedItem        `json:"relatedSolutions"`
	PolicyDrafts     []store.PolicyDraft `json:"policyDrafts"`
}

func (s *Server) registerThemeRoutes(g *echo.Group) {
	issuer := s.deps.Auth.Issuer()
	protect := auth.Protect(issuer, s.config.CookieName)
	csrf := auth.CSRF(s.config.CookieName, s.config.SecureCookies)
	editors := []echo.MiddlewareFunc{protect, csrf, auth.RequireRole(store.RoleAdmin, store.RoleEditor)}
	admins := []echo.MiddlewareFunc{protect, csrf, auth.RequireRole(store.RoleAdmin)}

	g.GET("", s.handleListThemes)
	g.POST("", s.handleCreateTheme, editors...)
	g.GET("/:themeId", s.handleGetTheme)
	g.PUT("/:themeId", s.handleUpdateTheme, editors...)
	g.DELETE("/:themeId", s.handleDeleteTheme, editors...)

	g.GET("/:themeId/questions", s.handleListQuestions)
	g.GET("/:themeId/questions/:questionId", s.handleQuestionDetail)
	g.GET("/:themeId/problems", s.handleListItems(store.ItemProblem))
	g.GET("/:themeId/solutions", s.handleListItems(store.ItemSolution))
	g.GET("/:themeId/policy-drafts", s.handleListDrafts)

	g.POST("/:themeId/generate-questions", s.handleGenerateQuestions, admins...)
	g.POST("/:themeId/questions/:questionId/generate-policy", s.handleGeneratePolicy, admins...)

	s.registerChatRoutes(g)
}

func (s *Server) handleListThemes(c echo.Context) error {
	themes, err := s.deps.Store.ListThemes(c.Request().Context(), false, 0)
	if err != nil {
		return s.apiError(c, err, "Error fetching themes")
	}
	return c.JSON(http.StatusOK, themes)
}

func (s *Server) handleGetTheme(c echo.Context) error {
	ctx := c.Request().Context()
	theme, err := s.deps.Store.GetTheme(ctx, c.Param("themeId"))
	if err != nil {
		return s.apiError(c, err, "Error fetching theme")
	}
	detail, err := s.themeDetail(ctx, *theme)
	if err != nil {
		return s.apiError(c, err, "Error fetching theme")
	}
	return c.JSON(http.StatusOK, detail)
}

// themeDetail counts a theme's questions, threads and items concurrently.
func (s *Server) themeDetail(ctx context.Context, t store.Theme) (*ThemeDetail, error) {
	d := &ThemeDetail{Theme: t}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		d.KeyQuestionCount, err = s.deps.Store.CountQuestions(ctx, t.ID)
		return err
	})
	g.Go(func() (err error) {
		d.CommentCount, err = s.deps.Store.CountThreads(ctx, t.ID)
		return err
	})
	g.Go(func() (err error) {
		d.ProblemCount, err = s.deps.Store.CountItems(ctx, t.ID, store.ItemProblem)
		return err
	})
	g.Go(func() (err error) {
		d.SolutionCount, err = s.deps.Store.CountItems(ctx, t.ID, store.ItemSolution)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Server) handleCreateTheme(c echo.Context) error {
	var req ThemeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Title == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Title is required")
	}
	t := store.Theme{Title: *req.Title, IsActive: true}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.Slug != nil {
		t.Slug = *req.Slug
	}
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}
	if req.CustomPrompt != nil {
		t.CustomPrompt = *req.CustomPrompt
	}
	created, err := s.deps.Store.CreateTheme(c.Request().Context(), t)
	if err != nil {
		return s.apiError(c, err, "Error creating theme")
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleUpdateTheme(c echo.Context) error {
	var req ThemeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	updated, err := s.deps.Store.UpdateTheme(c.Request().Context(), c.Param("themeId"), store.ThemeUpdate{
		Title:        req.Title,
		Description:  req.Description,
		Slug:         req.Slug,
		IsActive:     req.IsActive,
		CustomPrompt: req.CustomPrompt,
	})
	if err != nil {
		return s.apiError(c, err, "Error updating theme")
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteTheme(c echo.Context) error {
	if err := s.deps.Store.DeleteTheme(c.Request().Context(), c.Param("themeId")); err != nil {
		return s.apiError(c, err, "Error deleting theme")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Theme deleted successfully"})
}

func (s *Server) handleListQuestions(c echo.Context) error {
	ctx := c.Request().Context()
	qs, err := s.deps.Store.ListQuestions(ctx, c.Param("themeId"))
	if err != nil {
		return s.apiError(c, err, "Error fetching questions")
	}
	out, err := s.questionSummaries(ctx, qs)
	if err != nil {
		return s.apiError(c, err, "Error fetching questions")
	}
	return c.JSON(http.StatusOK, out)
}

// questionSummaries attaches problem and solution link counts.
func (s *Server) questionSummaries(ctx context.Context, qs []store.SharpQuestion) ([]QuestionSummary, error) {
	out := make([]QuestionSummary, len(qs))
	g, ctx := errgroup.WithContext(ctx)
	for i, q := range qs {
		out[i].SharpQuestion = q
		g.Go(func() (err error) {
			if out[i].IssueCount, err = s.deps.Store.CountLinks(ctx, q.ID, store.ItemProblem); err != nil {
				return err
			}
			out[i].SolutionCount, err = s.deps.Store.CountLinks(ctx, q.ID, store.ItemSolution)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Server) handleQuestionDetail(c echo.Context) error {
	ctx := c.Request().Context()
	q, err := s.questionInTheme(ctx, c.Param("themeId"), c.Param("questionId"))
	if err != nil {
		return s.apiError(c, err, "Error fetching question details")
	}
	links, err := s.deps.Store.ListLinks(ctx, q.ID)
	if err != nil {
		return s.apiError(c, err, "Error fetching question details")
	}
	ids := make([]string, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.LinkedItemID)
	}
	items, err := s.deps.Store.GetItems(ctx, ids)
	if err != nil {
		return s.apiError(c, err, "Error fetching question details")
	}
	byID := make(map[string]store.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	detail := QuestionDetail{
		Question:         *q,
		RelatedProblems:  []LinkedItem{},
		RelatedSolutions: []LinkedItem{},
	}
	for _, l := range links {
		it, ok := byID[l.LinkedItemID]
		if !ok {
			continue
		}
		li := LinkedItem{Item: it, RelevanceScore: l.RelevanceScore, Rationale: l.Rationale}
		if l.LinkedItemType == store.ItemSolution {
			detail.RelatedSolutions = append(detail.RelatedSolutions, li)
		} else {
			detail.RelatedProblems = append(detail.RelatedProblems, li)
		}
	}
	if detail.PolicyDrafts, err = s.deps.Store.ListDrafts(ctx, store.DraftFilter{QuestionID: q.ID}); err != nil {
		return s.apiError(c, err, "Error fetching question details")
	}
	return c.JSON(http.StatusOK, detail)
}

// questionInTheme loads a question and reports ErrNotFound when it belongs
// to another theme.
func (s *Server) questionInTheme(ctx context.Context, themeID, questionID string) (*store.SharpQuestion, error) {
	q, err := s.deps.Store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if q.ThemeID != themeID {
		return nil, store.ErrNotFound
	}
	return q, nil
}

func (s *Server) handleListItems(t store.ItemType) echo.HandlerFunc {
	return func(c echo.Context) error {
		items, err := s.deps.Store.ListItems(c.Request().Context(), c.Param("themeId"), t)
		if err != nil {
			return s.apiError(c, err, "Error fetching "+string(t)+"s")
		}
		return c.JSON(http.StatusOK, items)
	}
}

func (s *Server) handleListDrafts(c echo.Context) error {
	drafts, err := s.deps.Store.ListDrafts(c.Request().Context(), store.DraftFilter{ThemeID: c.Param("themeId")})
	if err != nil {
		return s.apiError(c, err, "Error fetching policy drafts")
	}
	return c.JSON(http.StatusOK, drafts)
}

func (s *Server) handleGenerateQuestions(c echo.Context) error {
	if s.deps.Dispatcher == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "pipeline is not configured")
	}
	themeID := c.Param("themeId")
	ctx := logging.WithThemeID(c.Request().Context(), themeID)
	if _, err := s.deps.Store.GetTheme(ctx, themeID); err != nil {
		return s.apiError(c, err, "Error starting question generation")
	}
	if err := s.deps.Dispatcher.TriggerQuestions(ctx, themeID); err != nil {
		return s.apiError(c, err, "Error starting question generation")
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"message": "Sharp question generation started for theme " + themeID,
	})
}

func (s *Server) handleGeneratePolicy(c echo.Context) error {
	if s.deps.Dispatcher == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "pipeline is not configured")
	}
	ctx := logging.WithThemeID(c.Request().Context(), c.Param("themeId"))
	q, err := s.questionInTheme(ctx, c.Param("themeId"), c.Param("questionId"))
	if err != nil {
		return s.apiError(c, err, "Error starting policy draft generation")
	}
	if err := s.deps.Dispatcher.TriggerPolicy(ctx, q.ID); err != nil {
		return s.apiError(c, err, "Error starting policy draft generation")
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"message": "Policy draft generation started for question " + q.ID,
	})
}
