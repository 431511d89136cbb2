package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/ytakahashi/listsync/internal/engine"
	"github.com/ytakahashi/listsync/internal/membership"
	"github.com/ytakahashi/listsync/internal/models"
	"github.com/ytakahashi/listsync/internal/workspace"
	"go.uber.org/zap"
)

// How long a chat command waits for the engine to deliver the view it needs.
const settleTimeout = 5 * time.Second

type WebhookHandler struct {
	bot           *messaging_api.MessagingApiAPI
	hub           *workspace.Hub
	channelSecret string
	log           *zap.Logger
}

func NewWebhookHandler(bot *messaging_api.MessagingApiAPI, hub *workspace.Hub, channelSecret string, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		bot:           bot,
		hub:           hub,
		channelSecret: channelSecret,
		log:           log,
	}
}

func getUserID(source webhook.SourceInterface) string {
	switch s := source.(type) {
	case webhook.UserSource:
		return s.UserId
	case webhook.GroupSource:
		return s.UserId
	case webhook.RoomSource:
		return s.UserId
	default:
		return ""
	}
}

func (h *WebhookHandler) HandleWebhook(c echo.Context) error {
	cb, err := webhook.ParseRequest(h.channelSecret, c.Request())
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			h.log.Warn("invalid signature")
			return c.NoContent(http.StatusBadRequest)
		}
		h.log.Error("parse request failed", zap.Error(err))
		return c.NoContent(http.StatusInternalServerError)
	}

	ctx := c.Request().Context()
	for _, event := range cb.Events {
		switch e := event.(type) {
		case webhook.MessageEvent:
			switch message := e.Message.(type) {
			case webhook.TextMessageContent:
				userID := getUserID(e.Source)
				if err := h.handleTextMessage(ctx, e.ReplyToken, userID, message.Text); err != nil {
					h.log.Error("handle text message failed", zap.String("user", userID), zap.Error(err))
				}
			}
		case webhook.PostbackEvent:
			userID := getUserID(e.Source)
			if err := h.handlePostback(ctx, e.ReplyToken, userID, e.Postback.Data); err != nil {
				h.log.Error("handle postback failed", zap.String("user", userID), zap.Error(err))
			}
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type commandKind int

const (
	cmdUnknown commandKind = iota
	cmdLists
	cmdNew
	cmdOpen
	cmdAdd
	cmdDone
	cmdDel
	cmdBack
	cmdDeleteList
	cmdHelp
)

type command struct {
	kind  commandKind
	text  string
	index int
}

var (
	textArgPattern  = regexp.MustCompile(`(?i)^(new|add)[\s　]+["“]?(.+?)["”]?$`)
	indexArgPattern = regexp.MustCompile(`(?i)^(open|done|del)[\s　]+(\d+)$`)
	spacePattern    = regexp.MustCompile(`[\s　]+`)
)

// parseCommand recognizes chat commands. Indexes are 1-based as displayed.
func parseCommand(text string) command {
	text = strings.TrimSpace(text)

	if m := textArgPattern.FindStringSubmatch(text); m != nil {
		arg := strings.TrimSpace(m[2])
		switch strings.ToLower(m[1]) {
		case "new":
			return command{kind: cmdNew, text: arg}
		case "add":
			return command{kind: cmdAdd, text: arg}
		}
	}

	if m := indexArgPattern.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil || n < 1 {
			return command{kind: cmdUnknown}
		}
		switch strings.ToLower(m[1]) {
		case "open":
			return command{kind: cmdOpen, index: n}
		case "done":
			return command{kind: cmdDone, index: n}
		case "del":
			return command{kind: cmdDel, index: n}
		}
	}

	switch strings.ToLower(spacePattern.ReplaceAllString(text, " ")) {
	case "lists", "list":
		return command{kind: cmdLists}
	case "back":
		return command{kind: cmdBack}
	case "delete list":
		return command{kind: cmdDeleteList}
	case "help":
		return command{kind: cmdHelp}
	}
	return command{kind: cmdUnknown}
}

func (h *WebhookHandler) handleTextMessage(ctx context.Context, replyToken, userID, text string) error {
	h.log.Debug("received text", zap.String("user", userID), zap.String("text", text))

	cmd := parseCommand(text)
	if cmd.kind == cmdUnknown {
		// Unrecognized messages get no reply.
		return nil
	}
	if cmd.kind == cmdHelp {
		return h.showHelp(replyToken)
	}

	// LINE does not share the user's email, so the session carries none.
	ws, release, err := h.hub.Acquire(models.Session{UID: userID})
	if err != nil {
		return h.replyError(replyToken, "Could not open your lists.", err)
	}
	defer release()

	switch cmd.kind {
	case cmdLists:
		return h.showLists(ctx, replyToken, ws)
	case cmdNew:
		ref, err := ws.Mutations.CreateList(ctx, cmd.text, "")
		if err != nil {
			return h.replyError(replyToken, "Failed to create the list.", err)
		}
		// Only indexed lists can be focused.
		awaitState(ctx, ws.Engine, func(s engine.State) bool {
			_, ok := s.Lists.Lookup(ref)
			return ok
		})
		if err := ws.Engine.Focus(ctx, ref); err != nil {
			return h.replyError(replyToken, "List created, but it could not be opened.", err)
		}
		return h.replyMessage(replyToken, fmt.Sprintf("✅ Created and opened list「%s」.", cmd.text))
	case cmdOpen:
		return h.openList(ctx, replyToken, ws, cmd.index)
	case cmdAdd:
		if _, err := ws.AddFocusedNote(ctx, cmd.text, ""); err != nil {
			return h.replyError(replyToken, "Failed to add the note.", err)
		}
		return h.replyMessage(replyToken, fmt.Sprintf("✅ Added「%s」.", cmd.text))
	case cmdDone:
		note, err := h.noteAt(ctx, ws, cmd.index)
		if err != nil {
			return h.replyError(replyToken, "No such note.", err)
		}
		if err := ws.ToggleFocusedNote(ctx, note.ID); err != nil {
			return h.replyError(replyToken, "Failed to update the note.", err)
		}
		return h.replyMessage(replyToken, toggledText(note))
	case cmdDel:
		note, err := h.noteAt(ctx, ws, cmd.index)
		if err != nil {
			return h.replyError(replyToken, "No such note.", err)
		}
		if err := ws.DeleteFocusedNote(ctx, note.ID); err != nil {
			return h.replyError(replyToken, "Failed to delete the note.", err)
		}
		return h.replyMessage(replyToken, fmt.Sprintf("🗑️ Deleted「%s」.", note.Title))
	case cmdBack:
		if err := ws.Engine.Browse(ctx); err != nil {
			return h.replyError(replyToken, "Failed to leave the list.", err)
		}
		return h.showLists(ctx, replyToken, ws)
	case cmdDeleteList:
		return h.askDeleteListConfirmation(replyToken, ws)
	}
	return nil
}

func (h *WebhookHandler) handlePostback(ctx context.Context, replyToken, userID, data string) error {
	parts := strings.Split(data, ":")
	if len(parts) < 2 {
		return nil
	}

	ws, release, err := h.hub.Acquire(models.Session{UID: userID})
	if err != nil {
		return h.replyError(replyToken, "Could not open your lists.", err)
	}
	defer release()

	switch parts[0] {
	case "toggle":
		if len(parts) != 4 {
			return nil
		}
		ref := models.ListRef{OwnerUID: parts[1], ID: parts[2]}
		return h.toggleFromButton(ctx, replyToken, ws, ref, parts[3])

	case "delete_list":
		if len(parts) != 4 {
			return nil
		}
		if parts[1] != "yes" {
			return h.replyMessage(replyToken, "Cancelled.")
		}
		ref := models.ListRef{OwnerUID: parts[2], ID: parts[3]}
		if err := ws.DeleteList(ctx, ref); err != nil {
			return h.replyError(replyToken, "Failed to delete the list.", err)
		}
		return h.replyMessage(replyToken, "🗑️ List deleted.")
	}

	return nil
}

func (h *WebhookHandler) toggleFromButton(ctx context.Context, replyToken string, ws *workspace.Workspace, ref models.ListRef, noteID string) error {
	f := ws.State().Focus
	if f == nil || f.Ref != ref {
		return h.replyMessage(replyToken, "That list is no longer open. Send \"lists\" to pick it again.")
	}
	note, ok := f.Note(noteID)
	if !ok {
		return h.replyMessage(replyToken, "That note no longer exists.")
	}
	if err := ws.ToggleFocusedNote(ctx, noteID); err != nil {
		return h.replyError(replyToken, "Failed to update the note.", err)
	}
	return h.replyMessage(replyToken, toggledText(note))
}

func toggledText(note models.Note) string {
	if note.Completed {
		return fmt.Sprintf("↩️「%s」is open again.", note.Title)
	}
	return fmt.Sprintf("🎉「%s」done!", note.Title)
}

func (h *WebhookHandler) showLists(ctx context.Context, replyToken string, ws *workspace.Workspace) error {
	state, ok := awaitState(ctx, ws.Engine, func(s engine.State) bool {
		return s.Lists.Ready() || s.Lists.Error != ""
	})
	if !ok {
		return h.replyMessage(replyToken, "Your lists are still loading. Please try again in a moment.")
	}
	if state.Lists.Error != "" {
		return h.replyMessage(replyToken, "Failed to load your lists.")
	}
	return h.replyMessage(replyToken, formatLists(state.Lists.View))
}

func formatLists(v membership.View) string {
	refs := v.Refs()
	if len(refs) == 0 {
		return "You have no lists yet.\nSend \"new <name>\" to create one."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 Lists (%d)\n", len(refs))
	n := 1
	if len(v.Owned) > 0 {
		b.WriteString("\nMine\n")
		for _, l := range v.Owned {
			fmt.Fprintf(&b, "%d. %s\n", n, l.Name)
			n++
		}
	}
	if len(v.Shared) > 0 {
		b.WriteString("\nShared with me\n")
		for _, l := range v.Shared {
			fmt.Fprintf(&b, "%d. %s (%s)\n", n, l.Name, l.CreatorEmail)
			n++
		}
	}
	b.WriteString("\nSend \"open <n>\" to open one.")
	return b.String()
}

func (h *WebhookHandler) openList(ctx context.Context, replyToken string, ws *workspace.Workspace, index int) error {
	state, _ := awaitState(ctx, ws.Engine, func(s engine.State) bool { return s.Lists.Ready() })
	refs := state.Lists.Refs()
	if index > len(refs) {
		return h.replyMessage(replyToken, fmt.Sprintf("There is no list %d. Send \"lists\" to see them.", index))
	}
	ref := refs[index-1]
	if err := ws.Engine.Focus(ctx, ref); err != nil {
		return h.replyError(replyToken, "Failed to open the list.", err)
	}
	return h.showFocused(ctx, replyToken, ws)
}

func (h *WebhookHandler) showFocused(ctx context.Context, replyToken string, ws *workspace.Workspace) error {
	state, ok := awaitState(ctx, ws.Engine, func(s engine.State) bool {
		return s.Focus == nil || s.Focus.Status != engine.StatusLoading
	})
	if !ok {
		return h.replyMessage(replyToken, "The list is still loading. Please try again in a moment.")
	}
	f := state.Focus
	if f == nil {
		return h.replyMessage(replyToken, "That list is no longer available.")
	}
	if f.Status == engine.StatusError {
		return h.replyMessage(replyToken, "Failed to load the list.")
	}

	name := f.Ref.ID
	if f.List != nil {
		name = f.List.Name
	}
	if len(f.Notes) == 0 {
		return h.replyMessage(replyToken, fmt.Sprintf("「%s」is empty.\nSend \"add <title>\" to add a note.", name))
	}

	_, err := h.bot.ReplyMessage(
		&messaging_api.ReplyMessageRequest{
			ReplyToken: replyToken,
			Messages:   []messaging_api.MessageInterface{createNotesFlexMessage(name, *f)},
		},
	)
	return err
}

// noteAt returns the n-th note of the focused list, in display order.
func (h *WebhookHandler) noteAt(ctx context.Context, ws *workspace.Workspace, index int) (models.Note, error) {
	state, ok := awaitState(ctx, ws.Engine, func(s engine.State) bool {
		return s.Focus == nil || s.Focus.Status != engine.StatusLoading
	})
	if !ok || state.Focus == nil {
		return models.Note{}, fmt.Errorf("%w: no list selected", models.ErrValidation)
	}
	notes := state.Focus.Notes
	if index > len(notes) {
		return models.Note{}, fmt.Errorf("note %d: %w", index, models.ErrNotFound)
	}
	return notes[index-1], nil
}

func createNotesFlexMessage(name string, f engine.FocusView) *messaging_api.FlexMessage {
	var contents []messaging_api.FlexComponentInterface

	for i, note := range f.Notes {
		label := "Done"
		title := fmt.Sprintf("%d. %s", i+1, note.Title)
		color := "#1DB446"
		if note.Completed {
			label = "Undo"
			title = fmt.Sprintf("%d. ✔ %s", i+1, note.Title)
			color = "#999999"
		}

		box := &messaging_api.FlexBox{
			Layout: "vertical",
			Contents: []messaging_api.FlexComponentInterface{
				&messaging_api.FlexText{
					Text:   title,
					Weight: "bold",
					Size:   "md",
					Wrap:   true,
				},
			},
			Margin:  "md",
			Spacing: "sm",
		}
		if note.Content != "" {
			box.Contents = append(box.Contents, &messaging_api.FlexText{
				Text:  note.Content,
				Size:  "sm",
				Color: "#999999",
				Wrap:  true,
			})
		}
		box.Contents = append(box.Contents, &messaging_api.FlexButton{
			Action: &messaging_api.PostbackAction{
				Label: label,
				Data:  fmt.Sprintf("toggle:%s:%s:%s", f.Ref.OwnerUID, f.Ref.ID, note.ID),
			},
			Style: "primary",
			Color: color,
		})

		if i > 0 {
			box.PaddingTop = "md"
		}

		contents = append(contents, box)
	}

	return &messaging_api.FlexMessage{
		AltText: name,
		Contents: &messaging_api.FlexBubble{
			Header: &messaging_api.FlexBox{
				Layout: "vertical",
				Contents: []messaging_api.FlexComponentInterface{
					&messaging_api.FlexText{
						Text:   fmt.Sprintf("%s (%d open)", name, f.Pending()),
						Weight: "bold",
						Size:   "xl",
					},
				},
				PaddingAll: "md",
			},
			Body: &messaging_api.FlexBox{
				Layout:   "vertical",
				Contents: contents,
				Spacing:  "md",
			},
		},
	}
}

func (h *WebhookHandler) askDeleteListConfirmation(replyToken string, ws *workspace.Workspace) error {
	f := ws.State().Focus
	if f == nil || f.List == nil {
		return h.replyMessage(replyToken, "Open a list first.")
	}
	if !f.List.IsOwner(ws.Session.UID) {
		return h.replyMessage(replyToken, "Only the owner can delete this list.")
	}

	quickReply := &messaging_api.QuickReply{
		Items: []messaging_api.QuickReplyItem{
			{
				Action: &messaging_api.PostbackAction{
					Label:       "Yes",
					Data:        fmt.Sprintf("delete_list:yes:%s:%s", f.Ref.OwnerUID, f.Ref.ID),
					DisplayText: "Yes",
				},
			},
			{
				Action: &messaging_api.PostbackAction{
					Label:       "No",
					Data:        fmt.Sprintf("delete_list:no:%s:%s", f.Ref.OwnerUID, f.Ref.ID),
					DisplayText: "No",
				},
			},
		},
	}

	message := &messaging_api.TextMessage{
		Text:       fmt.Sprintf("⚠️ Really delete「%s」and all its notes?", f.List.Name),
		QuickReply: quickReply,
	}

	_, err := h.bot.ReplyMessage(
		&messaging_api.ReplyMessageRequest{
			ReplyToken: replyToken,
			Messages:   []messaging_api.MessageInterface{message},
		},
	)

	return err
}

func (h *WebhookHandler) showHelp(replyToken string) error {
	helpText := `📝 List Bot

📋 lists
   show your lists and the ones shared with you
🆕 new <name>
   create a list and open it
📂 open <n>
   open list n
➕ add <title>
   add a note to the open list
✅ done <n>
   mark note n done (or open again)
🗑️ del <n>
   delete note n
↩️ back
   close the open list
⚠️ delete list
   delete the open list (owner only)
❓ help`

	return h.replyMessage(replyToken, helpText)
}

// replyError logs err and answers with a short message; validation and
// permission failures are explained to the user.
func (h *WebhookHandler) replyError(replyToken, text string, err error) error {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrPermission), errors.Is(err, models.ErrNotFound):
		h.log.Info("command rejected", zap.Error(err))
		text = fmt.Sprintf("%s\n(%s)", text, err.Error())
	default:
		h.log.Error("command failed", zap.Error(err))
	}
	return h.replyMessage(replyToken, text)
}

func (h *WebhookHandler) replyMessage(replyToken, text string) error {
	h.log.Debug("sending reply", zap.String("text", text))

	message := &messaging_api.TextMessage{
		Text: text,
	}

	_, err := h.bot.ReplyMessage(
		&messaging_api.ReplyMessageRequest{
			ReplyToken: replyToken,
			Messages:   []messaging_api.MessageInterface{message},
		},
	)

	if err != nil {
		h.log.Error("failed to send reply message", zap.Error(err))
	}

	return err
}

// awaitState waits until ready holds for a published state, or gives up
// after settleTimeout.
func awaitState(ctx context.Context, e *engine.Engine, ready func(engine.State) bool) (engine.State, bool) {
	w := e.Watch()
	defer w.Close()

	timer := time.NewTimer(settleTimeout)
	defer timer.Stop()

	var last engine.State
	for {
		select {
		case s, ok := <-w.C():
			if !ok {
				return last, false
			}
			last = s
			if ready(s) {
				return s, true
			}
		case <-timer.C:
			return last, false
		case <-ctx.Done():
			return last, false
		}
	}
}
