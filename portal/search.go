package portal

import (
	"context"

	"kbsearch/knowledge"
)

// Searcher runs vendor calls with the signed-in user's access token.
type Searcher interface {
	Search(ctx context.Context, accessToken, q string) ([]knowledge.Result, error)
	Article(ctx context.Context, accessToken, id string) (*knowledge.Article, error)
}

// KnowledgeSearcher calls the knowledge API directly with the user's token.
type KnowledgeSearcher struct {
	Client *knowledge.Client
}

// Search runs an AI search.
func (s KnowledgeSearcher) Search(ctx context.Context, accessToken, q string) ([]knowledge.Result, error) {
	_, results, err := s.Client.WithTokens(knowledge.StaticToken(accessToken)).AISearch(ctx, q)
	return results, err
}

// Article loads one article with its content.
func (s KnowledgeSearcher) Article(ctx context.Context, accessToken, id string) (*knowledge.Article, error) {
	_, article, err := s.Client.WithTokens(knowledge.StaticToken(accessToken)).ArticleByID(ctx, id)
	return article, err
}
