// Package ranker orders a user's conversation list.
package ranker

import (
	"slices"
	"strings"

	"pairchat/internal/chatkey"
	"pairchat/internal/models"
)

// Rank returns views in display order. It does not modify views.
//
// Order of precedence:
//  1. while activelySending, the selected conversation is always first;
//  2. otherwise the selected conversation is first if it has messages;
//  3. conversations with unread messages;
//  4. more recent last message, any message before none;
//  5. online partner before offline;
//  6. more recently created partner account;
//  7. conversation id, so equal rows keep a fixed order.
func Rank(views []models.ConversationView, selfID, selectedID string, activelySending bool) []models.ConversationView {
	out := slices.Clone(views)
	slices.SortStableFunc(out, func(a, b models.ConversationView) int {
		return compare(a, b, selfID, selectedID, activelySending)
	})
	return out
}

func compare(a, b models.ConversationView, selfID, selectedID string, activelySending bool) int {
	aSel := selectedID != "" && a.Conversation.ID == selectedID
	bSel := selectedID != "" && b.Conversation.ID == selectedID

	if aSel != bSel {
		if activelySending {
			return first(aSel)
		}
		if aSel && a.Conversation.HasMessages() {
			return -1
		}
		if bSel && b.Conversation.HasMessages() {
			return 1
		}
	}

	if au, bu := unread(a, selfID) > 0, unread(b, selfID) > 0; au != bu {
		return first(au)
	}

	at, bt := a.Conversation.LastMessageAt, b.Conversation.LastMessageAt
	switch {
	case at.IsZero() != bt.IsZero():
		return first(!at.IsZero())
	case !at.Equal(bt):
		return first(at.After(bt))
	}

	if a.Online != b.Online {
		return first(a.Online)
	}

	if ac, bc := a.Partner.CreatedAt, b.Partner.CreatedAt; !ac.Equal(bc) {
		return first(ac.After(bc))
	}

	return strings.Compare(a.Conversation.ID, b.Conversation.ID)
}

// first maps "a goes first" to a comparison result.
func first(a bool) int {
	if a {
		return -1
	}
	return 1
}

func unread(v models.ConversationView, selfID string) int {
	if n, ok := v.Conversation.UnreadCount[selfID]; ok {
		return n
	}
	return v.Conversation.Unread
}

// BuildViews joins the user directory, the user's ledger rows and partner
// presence. Every other user gets a row; users without a ledger row get an
// empty conversation. online overrides the IsOnline copy on the profile.
func BuildViews(selfID string, users []models.User, conversations []models.ConversationSummary, online map[string]bool) []models.ConversationView {
	byID := make(map[string]models.ConversationSummary, len(conversations))
	for _, c := range conversations {
		byID[c.ID] = c
	}

	views := make([]models.ConversationView, 0, len(users))
	seen := make(map[string]bool, len(users))
	for _, u := range users {
		if u.ID == selfID || !chatkey.Valid(u.ID) {
			continue
		}
		key := chatkey.Key(selfID, u.ID)
		seen[key] = true

		summary, ok := byID[key]
		if !ok {
			a, b, _ := chatkey.Participants(key)
			summary = models.ConversationSummary{
				Conversation: models.Conversation{ID: key, Participants: [2]string{a, b}},
			}
		}
		isOnline := u.IsOnline
		if v, ok := online[u.ID]; ok {
			isOnline = v
		}
		views = append(views, models.ConversationView{
			Conversation: summary,
			Partner:      u,
			Online:       isOnline,
		})
	}

	// Ledger rows whose partner is missing from the directory still show.
	for _, c := range conversations {
		if seen[c.ID] {
			continue
		}
		partnerID := c.Other(selfID)
		views = append(views, models.ConversationView{
			Conversation: c,
			Partner:      models.User{ID: partnerID},
			Online:       online[partnerID],
		})
	}
	return views
}
