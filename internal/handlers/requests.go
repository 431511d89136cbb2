package handlers

import "github.com/ytakahashi/listsync/internal/models"

type createListRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type renameListRequest struct {
	Name string `json:"name"`
}

type memberRequest struct {
	UID string `json:"uid"`
}

type itemRequest struct {
	Text string `json:"text"`
}

type noteRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type focusRequest struct {
	ID       string `json:"id"`
	OwnerUID string `json:"ownerUid"`
}

func (r focusRequest) Ref() models.ListRef {
	return models.ListRef{ID: r.ID, OwnerUID: r.OwnerUID}
}

type createdResponse struct {
	ID string `json:"id"`
}
