package permissions

import api "github.com/OvyFlash/telegram-bot-api"

// CanRestrict reports whether member may mute, ban and lift those again.
func CanRestrict(member *api.ChatMember) bool {
	if member == nil {
		return false
	}
	return member.IsCreator() || (member.IsAdministrator() && member.CanRestrictMembers)
}
