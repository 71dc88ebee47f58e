package store

import "time"

// Role is a user's permission level.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleUser   Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleUser:
		return true
	}
	return false
}

// ItemType distinguishes problems from solutions.
type ItemType string

const (
	ItemProblem  ItemType = "problem"
	ItemSolution ItemType = "solution"
)

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	return t == ItemProblem || t == ItemSolution
}

// LinkType describes how an item relates to a sharp question.
type LinkType string

const (
	LinkPromptsQuestion LinkType = "prompts_question"
	LinkAnswersQuestion LinkType = "answers_question"
)

// LinkTypeFor returns the link type used for items of type t.
func LinkTypeFor(t ItemType) LinkType {
	if t == ItemSolution {
		return LinkAnswersQuestion
	}
	return LinkPromptsQuestion
}

// Theme is a discussion topic.
type Theme struct {
	ID           string    `json:"_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Slug         string    `json:"slug"`
	IsActive     bool      `json:"isActive"`
	CustomPrompt string    `json:"customPrompt,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Message is a single chat turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatThread is one citizen's conversation within a theme.
type ChatThread struct {
	ID                   string    `json:"_id"`
	ThemeID              string    `json:"themeId"`
	QuestionID           string    `json:"questionId,omitempty"`
	UserID               string    `json:"userId"`
	SessionID            string    `json:"sessionId,omitempty"`
	Messages             []Message `json:"messages"`
	PendingSentences     []string  `json:"pendingSentences"`
	ExtractedProblemIDs  []string  `json:"extractedProblemIds"`
	ExtractedSolutionIDs []string  `json:"extractedSolutionIds"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Item is an extracted problem or solution statement.
type Item struct {
	ID                 string    `json:"_id"`
	Type               ItemType  `json:"type"`
	ThemeID            string    `json:"themeId"`
	Statement          string    `json:"statement"`
	SourceOriginID     string    `json:"sourceOriginId"`
	SourceType         string    `json:"sourceType"`
	Version            int       `json:"version"`
	EmbeddingGenerated bool      `json:"embeddingGenerated"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// SharpQuestion is a "how might we" question generated for a theme.
type SharpQuestion struct {
	ID           string    `json:"_id"`
	ThemeID      string    `json:"themeId"`
	QuestionText string    `json:"questionText"`
	TagLine      string    `json:"tagLine,omitempty"`
	Tags         []string  `json:"tags"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// QuestionLink relates an item to a question with a relevance score.
type QuestionLink struct {
	ID             string    `json:"_id"`
	QuestionID     string    `json:"questionId"`
	LinkedItemID   string    `json:"linkedItemId"`
	LinkedItemType ItemType  `json:"linkedItemType"`
	LinkType       LinkType  `json:"linkType"`
	RelevanceScore float64   `json:"relevanceScore"`
	Rationale      string    `json:"rationale,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PolicyDraft is a generated report for a question.
type PolicyDraft struct {
	ID                string    `json:"_id"`
	QuestionID        string    `json:"questionId"`
	Title             string    `json:"title"`
	Content           string    `json:"content"`
	SourceProblemIDs  []string  `json:"sourceProblemIds"`
	SourceSolutionIDs []string  `json:"sourceSolutionIds"`
	Version           int       `json:"version"`
	CreatedAt         time.Time `json:"createdAt"`
}

// User is an admin, editor or citizen account.
type User struct {
	ID              string     `json:"id"`
	Email           string     `json:"email,omitempty"`
	DisplayName     string     `json:"displayName,omitempty"`
	PasswordHash    string     `json:"-"`
	Role            Role       `json:"role"`
	GoogleID        string     `json:"-"`
	ProfileImageURL string     `json:"profileImageUrl,omitempty"`
	LegacyUserID    string     `json:"userId,omitempty"`
	LastLogin       *time.Time `json:"lastLogin,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}
