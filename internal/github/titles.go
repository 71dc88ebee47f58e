package github

import "strings"

const (
	defaultDocumentName = "ドキュメント"
	anonymousUser       = "匿名ユーザー"
	defaultChange       = "変更提案"
)

// ExtractDocumentName returns the file name of filePath without its .md
// extension, or "ドキュメント" when nothing is left.
func ExtractDocumentName(filePath string) string {
	if filePath == "" {
		return defaultDocumentName
	}
	name := filePath[strings.LastIndex(filePath, "/")+1:]
	if name = strings.TrimSuffix(name, ".md"); name == "" {
		return defaultDocumentName
	}
	return name
}

// FormatPRTitle builds the standard proposal title,
// "（提案者：<user>）<content>【<document>】", filling blanks with defaults.
func FormatPRTitle(userName, documentName, content string) string {
	if userName == "" {
		userName = anonymousUser
	}
	if content == "" {
		content = defaultChange
	}
	if documentName == "" {
		documentName = defaultDocumentName
	}
	return "（提案者：" + userName + "）" + content + "【" + documentName + "】"
}

// DefaultPRTitle is the title used when a tool call does not name one.
func DefaultPRTitle(userName, filePath, branch string) string {
	doc := ""
	if filePath != "" {
		doc = ExtractDocumentName(filePath)
	}
	return FormatPRTitle(userName, doc, branch+"の変更")
}
