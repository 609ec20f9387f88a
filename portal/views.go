package portal

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"

	"kbsearch/config"
	"kbsearch/knowledge"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	msgSearchFailed  = "Search failed"
	msgArticleFailed = "Failed to load article details"
)

// Handler serves the portal pages.
type Handler struct {
	manager      *Manager
	search       Searcher
	title        string
	providerName string
	tmpl         *template.Template
	policy       *bluemonday.Policy
	logger       *slog.Logger
}

type pageData struct {
	Title        string
	ProviderName string
	User         *UserInfo
	Error        string
	DismissURL   string
	Query        string
	Searched     bool
	Results      []resultView
	Article      *articleView
	BackURL      string
}

type resultView struct {
	Name    string
	Content template.HTML
	Href    string
}

type articleView struct {
	Name    string
	Content template.HTML
}

// NewHandler parses the embedded templates and wires the views.
func NewHandler(cfg config.PortalConfig, manager *Manager, search Searcher, logger *slog.Logger) (*Handler, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Handler{
		manager:      manager,
		search:       search,
		title:        cfg.Title,
		providerName: cfg.ProviderName,
		tmpl:         tmpl,
		policy:       bluemonday.UGCPolicy(),
		logger:       logger,
	}, nil
}

func (h *Handler) page(r *http.Request) pageData {
	return pageData{
		Title:        h.title,
		ProviderName: h.providerName,
		DismissURL:   r.URL.Path,
	}
}

// handleHome resolves callbacks and shows the login or search view.
func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	data := h.page(r)

	if err := h.manager.Initialize(r.Context()); err != nil {
		data.Error = err.Error()
		h.render(w, http.StatusOK, "login", data)
		return
	}

	res, err := h.manager.Resolve(w, r)
	if res.Redirect != "" {
		http.Redirect(w, r, res.Redirect, http.StatusSeeOther)
		return
	}
	if err != nil {
		data.Error = err.Error()
	}
	if flash := h.manager.PopFlash(w, r); flash != "" {
		data.Error = flash
	}

	if res.State != StateAuthenticated {
		h.render(w, http.StatusOK, "login", data)
		return
	}
	data.User = h.manager.UserInfo(res.Session)
	h.render(w, http.StatusOK, "search", data)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Initialize(r.Context()); err != nil {
		h.manager.Flash(w, KindProviderUnreachable, err.Error())
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if err := h.manager.Login(w, r); err != nil {
		h.logger.Error("Login failed", "error", err)
		h.manager.Flash(w, KindNotInitialized, err.Error())
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Initialize(r.Context()); err != nil {
		h.manager.ClearSession(w, r)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if err := h.manager.Logout(w, r); err != nil {
		h.logger.Error("Logout failed", "error", err)
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.manager.Current(w, r)
	if !ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	data := h.page(r)
	data.User = h.manager.UserInfo(sess)
	data.Query = strings.TrimSpace(r.URL.Query().Get("q"))
	data.DismissURL = searchURL(data.Query)
	if data.Query == "" {
		h.render(w, http.StatusOK, "search", data)
		return
	}

	results, err := h.search.Search(r.Context(), h.manager.AccessToken(sess), data.Query)
	data.Searched = true
	if err != nil {
		h.logger.Error("Search failed", "error", err)
		data.Error = msgSearchFailed
		h.render(w, http.StatusOK, "search", data)
		return
	}
	data.Results = h.resultViews(results, data.Query)
	h.render(w, http.StatusOK, "search", data)
}

func (h *Handler) handleArticle(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.manager.Current(w, r)
	if !ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	data := h.page(r)
	data.User = h.manager.UserInfo(sess)
	data.Query = strings.TrimSpace(r.URL.Query().Get("q"))
	data.BackURL = searchURL(data.Query)
	token := h.manager.AccessToken(sess)

	article, err := h.search.Article(r.Context(), token, chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("Error loading article", "id", chi.URLParam(r, "id"), "error", err)
		data.Error = msgArticleFailed
		data.DismissURL = data.BackURL
		if data.Query != "" {
			if results, err := h.search.Search(r.Context(), token, data.Query); err == nil {
				data.Searched = true
				data.Results = h.resultViews(results, data.Query)
			}
		}
		h.render(w, http.StatusOK, "search", data)
		return
	}

	data.Article = &articleView{
		Name:    article.Name,
		Content: h.sanitize(article.Content),
	}
	h.render(w, http.StatusOK, "article", data)
}

func (h *Handler) resultViews(results []knowledge.Result, q string) []resultView {
	views := make([]resultView, 0, len(results))
	for _, res := range results {
		href := "/articles/" + url.PathEscape(res.ID)
		if q != "" {
			href += "?q=" + url.QueryEscape(q)
		}
		views = append(views, resultView{
			Name:    res.Name,
			Content: h.sanitize(res.Content),
			Href:    href,
		})
	}
	return views
}

// sanitize strips vendor HTML down to safe user-generated-content markup.
func (h *Handler) sanitize(content string) template.HTML {
	return template.HTML(h.policy.Sanitize(content))
}

func (h *Handler) render(w http.ResponseWriter, status int, name string, data pageData) {
	var buf bytes.Buffer
	if err := h.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		h.logger.Error("Template render failed", "template", name, "error", err)
		http.Error(w, "Something went wrong.", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func searchURL(q string) string {
	if q == "" {
		return "/search"
	}
	return "/search?q=" + url.QueryEscape(q)
}
