package aaaecho

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
	"github.com/pilab-dev/shadow-aaa/internal/audit"
	"github.com/pilab-dev/shadow-aaa/middleware"
	"github.com/pilab-dev/shadow-aaa/services"
)

type pageResponse struct {
	Users      []services.AccountView `json:"users"`
	HasMore    bool                   `json:"hasMore"`
	NextCursor int64                  `json:"nextCursor,omitempty"`
}

type aroundResponse struct {
	Users       []services.AccountView `json:"users"`
	AnchorFound bool                   `json:"anchorFound"`
}

type onlineResponse struct {
	Online []int64 `json:"online"`
}

type profileRequest struct {
	Login *string `json:"login"`
	// Avatar is "keep" (default), "set" or "remove".
	Avatar    string `json:"avatar"`
	AvatarURL string `json:"avatarUrl"`
}

type lockRequest struct {
	Locked bool `json:"locked"`
}

type rolesRequest struct {
	Roles []string `json:"roles"`
}

func queryInt64(c echo.Context, name string) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.NewValidation(name, "must be an integer")
	}
	return v, nil
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewValidation("id", "must be a positive integer")
	}
	return id, nil
}

func parseIDs(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, errors.NewValidation("ids", "must be a comma-separated list of integers")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// views projects accounts for the current viewer and marks who is online.
func (a *API) views(c echo.Context, accounts []domain.UserAccount) ([]services.AccountView, error) {
	viewer, err := a.viewer(c)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(accounts))
	for i, acc := range accounts {
		ids[i] = acc.ID
	}
	online, err := a.Projector.ListOnline(c.Request().Context(), ids)
	if err != nil {
		return nil, err
	}
	out := make([]services.AccountView, len(accounts))
	for i, acc := range accounts {
		out[i] = services.ProjectAccount(viewer, acc, slices.Contains(online, acc.ID))
	}
	return out, nil
}

func (a *API) SearchUsers(c echo.Context) error {
	after, err := queryInt64(c, "after")
	if err != nil {
		return err
	}
	limit, err := queryInt64(c, "limit")
	if err != nil {
		return err
	}
	ids, err := parseIDs(c.QueryParam("ids"))
	if err != nil {
		return err
	}
	page, err := a.Registry.SearchPage(c.Request().Context(), services.SearchQuery{
		AfterID: after,
		Reverse: c.QueryParam("reverse") == "true",
		Limit:   int(limit),
		Search:  c.QueryParam("search"),
		IDs:     ids,
	})
	if err != nil {
		return err
	}
	views, err := a.views(c, page.Accounts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pageResponse{Users: views, HasMore: page.HasMore, NextCursor: page.NextCursor})
}

func (a *API) UsersAround(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	size, err := queryInt64(c, "size")
	if err != nil {
		return err
	}
	res, err := a.Registry.SearchAround(c.Request().Context(), id, int(size), c.QueryParam("search"))
	if err != nil {
		return err
	}
	views, err := a.views(c, res.Accounts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, aroundResponse{Users: views, AnchorFound: res.AnchorFound})
}

func (a *API) OnlineUsers(c echo.Context) error {
	ids, err := parseIDs(c.QueryParam("ids"))
	if err != nil {
		return err
	}
	online, err := a.Projector.ListOnline(c.Request().Context(), ids)
	if err != nil {
		return err
	}
	if online == nil {
		online = []int64{}
	}
	return c.JSON(http.StatusOK, onlineResponse{Online: online})
}

func (a *API) Me(c echo.Context) error {
	acc, err := a.viewer(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, services.ProjectAccount(acc, *acc, true))
}

func (a *API) UpdateProfile(c echo.Context) error {
	var req profileRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	patch := services.ProfilePatch{Login: req.Login}
	switch req.Avatar {
	case "", "keep":
	case "set":
		patch.Avatar = services.AvatarPatch{Action: services.AvatarSet, URL: req.AvatarURL}
	case "remove":
		patch.Avatar = services.AvatarPatch{Action: services.AvatarRemove}
	default:
		return errors.NewValidation("avatar", "must be keep, set or remove")
	}
	acc, err := a.Registry.UpdateProfileFields(c.Request().Context(), middleware.ClaimsFrom(c).UserID, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, services.ProjectAccount(acc, *acc, true))
}

func (a *API) SetLocked(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	actor := middleware.ClaimsFrom(c).UserID
	if id == actor {
		return errors.NewForbidden("cannot lock own account")
	}
	var req lockRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	acc, err := a.Registry.SetLocked(c.Request().Context(), id, req.Locked)
	audit.Record(audit.ActionLock, actor, strconv.FormatInt(id, 10), err)
	if err != nil {
		return err
	}
	return a.adminView(c, acc)
}

func (a *API) SetRoles(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	actor := middleware.ClaimsFrom(c).UserID
	if id == actor {
		return errors.NewForbidden("cannot change own roles")
	}
	var req rolesRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	roles := make([]domain.Role, 0, len(req.Roles))
	for _, r := range req.Roles {
		role, known := domain.ParseRole(r)
		if !known {
			return errors.NewValidation("roles", "unknown role "+r)
		}
		roles = append(roles, role)
	}
	acc, err := a.Registry.SetRoles(c.Request().Context(), id, roles)
	audit.Record(audit.ActionRoleChange, actor, strconv.FormatInt(id, 10), err)
	if err != nil {
		return err
	}
	return a.adminView(c, acc)
}

func (a *API) adminView(c echo.Context, acc *domain.UserAccount) error {
	views, err := a.views(c, []domain.UserAccount{*acc})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, views[0])
}
