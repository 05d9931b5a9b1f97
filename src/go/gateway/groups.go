package gateway

import (
	"context"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
)

// ParticipantResult is the outcome for one participant in a group change.
type ParticipantResult struct {
	JID     string `json:"jid"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// CreateGroup creates a group with the given participants and caches its
// metadata.
func (s *Session) CreateGroup(ctx context.Context, name string, participants []string) (*types.GroupInfo, error) {
	sock, err := s.openSocket()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("group name is required")
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("at least one participant is required")
	}

	jids, err := normalizeParticipants(participants)
	if err != nil {
		return nil, err
	}

	info, err := sock.CreateGroup(ctx, whatsmeow.ReqCreateGroup{
		Name:         name,
		Participants: jids,
	})
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}

	s.deps.groups.Put(info.JID.String(), info)
	s.deps.logger.Infof("Created group %s (%s) for %s", name, info.JID, s.ID)
	return info, nil
}

// UpdateGroupParticipants adds, removes, promotes or demotes participants.
// The change is applied best effort per participant; the per-participant
// outcome is returned alongside a nil error.
func (s *Session) UpdateGroupParticipants(ctx context.Context, groupJID, action string, participants []string) ([]ParticipantResult, error) {
	sock, err := s.openSocket()
	if err != nil {
		return nil, err
	}

	var change whatsmeow.ParticipantChange
	switch action {
	case "add":
		change = whatsmeow.ParticipantChangeAdd
	case "remove":
		change = whatsmeow.ParticipantChangeRemove
	case "promote":
		change = whatsmeow.ParticipantChangePromote
	case "demote":
		change = whatsmeow.ParticipantChangeDemote
	default:
		return nil, fmt.Errorf("invalid participant action %q (must be add, remove, promote or demote)", action)
	}

	jid, err := types.ParseJID(groupJID)
	if err != nil {
		return nil, fmt.Errorf("invalid group JID: %w", err)
	}
	jids, err := normalizeParticipants(participants)
	if err != nil {
		return nil, err
	}

	updated, err := sock.UpdateGroupParticipants(ctx, jid, jids, change)
	if err != nil {
		return nil, fmt.Errorf("%s participants: %w", action, err)
	}
	s.deps.groups.Invalidate(groupJID)

	results := make([]ParticipantResult, 0, len(updated))
	for _, p := range updated {
		r := ParticipantResult{JID: p.JID.String(), Success: p.Error == 0}
		if p.Error != 0 {
			r.Error = fmt.Sprintf("error code: %d", p.Error)
		}
		results = append(results, r)
	}
	return results, nil
}

// SetGroupName renames a group.
func (s *Session) SetGroupName(ctx context.Context, groupJID, name string) error {
	sock, err := s.openSocket()
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("group name is required")
	}

	jid, err := types.ParseJID(groupJID)
	if err != nil {
		return fmt.Errorf("invalid group JID: %w", err)
	}
	if err := sock.SetGroupName(ctx, jid, name); err != nil {
		return fmt.Errorf("set group name: %w", err)
	}
	s.deps.groups.Invalidate(groupJID)
	return nil
}

// SetGroupTopic updates the group description.
func (s *Session) SetGroupTopic(ctx context.Context, groupJID, topic string) error {
	sock, err := s.openSocket()
	if err != nil {
		return err
	}

	jid, err := types.ParseJID(groupJID)
	if err != nil {
		return fmt.Errorf("invalid group JID: %w", err)
	}
	if err := sock.SetGroupTopic(ctx, jid, "", "", topic); err != nil {
		return fmt.Errorf("set group topic: %w", err)
	}
	s.deps.groups.Invalidate(groupJID)
	return nil
}

// GroupInviteLink returns the group's invite link. With reset the current
// link is revoked and a fresh one issued.
func (s *Session) GroupInviteLink(ctx context.Context, groupJID string, reset bool) (string, error) {
	sock, err := s.openSocket()
	if err != nil {
		return "", err
	}

	jid, err := types.ParseJID(groupJID)
	if err != nil {
		return "", fmt.Errorf("invalid group JID: %w", err)
	}
	link, err := sock.GetGroupInviteLink(ctx, jid, reset)
	if err != nil {
		return "", fmt.Errorf("get invite link: %w", err)
	}
	return link, nil
}

// JoinGroup accepts a group invite, given either the bare code or the full
// invite link.
func (s *Session) JoinGroup(ctx context.Context, code string) (string, error) {
	sock, err := s.openSocket()
	if err != nil {
		return "", err
	}

	code = strings.TrimPrefix(strings.TrimSpace(code), "https://chat.whatsapp.com/")
	if code == "" {
		return "", fmt.Errorf("invite code is required")
	}

	jid, err := sock.JoinGroupWithLink(ctx, code)
	if err != nil {
		return "", fmt.Errorf("join group: %w", err)
	}
	s.deps.logger.Infof("Connection %s joined group %s", s.ID, jid)
	return jid.String(), nil
}

// LeaveGroup leaves a group and drops its cached metadata. Stored history
// for the chat is kept.
func (s *Session) LeaveGroup(ctx context.Context, groupJID string) error {
	sock, err := s.openSocket()
	if err != nil {
		return err
	}

	jid, err := types.ParseJID(groupJID)
	if err != nil {
		return fmt.Errorf("invalid group JID: %w", err)
	}
	if err := sock.LeaveGroup(ctx, jid); err != nil {
		return fmt.Errorf("leave group: %w", err)
	}
	s.deps.groups.Invalidate(groupJID)
	return nil
}

func normalizeParticipants(participants []string) ([]types.JID, error) {
	jids := make([]types.JID, 0, len(participants))
	for _, p := range participants {
		jid, err := normalizeJID(p)
		if err != nil {
			return nil, fmt.Errorf("invalid participant %q: %w", p, err)
		}
		jids = append(jids, jid)
	}
	return jids, nil
}
