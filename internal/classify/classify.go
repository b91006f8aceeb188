// Package classify decides whether a decrypted envelope references media
// that must be downloaded before publish, and normalizes the raw wire
// type names onto the smaller canonical set the payload sections use.
package classify

import (
	"sort"
	"strings"

	"github.com/mochat/wearchive/internal/domain"
)

// noDownloadTypes is the fixed allow-list of message types that never
// carry downloadable media.
var noDownloadTypes = map[string]struct{}{
	"revoke": {}, "text": {}, "location": {}, "agree": {}, "disagree": {},
	"weapp": {}, "card": {}, "todo": {}, "collect": {}, "redpacket": {},
	"docmsg": {}, "markdown": {}, "calendar": {}, "news": {},
	"external_redpacket": {}, "sphfeed": {}, "link": {}, "meeting": {},
	"voiptext": {},
}

// AllowList returns the allow-list as a slice, for SQL IN clauses.
func AllowList() []string {
	out := make([]string, 0, len(noDownloadTypes))
	for t := range noDownloadTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// AllowListed reports whether a (normalized-case) type never downloads.
func AllowListed(msgType string) bool {
	_, ok := noDownloadTypes[strings.ToLower(msgType)]
	return ok
}

// NeedsDownload reports whether the envelope must pass through the
// download engine before it can be published. Recall and switch actions
// never do. Composite types (mixed, forwarded chat records) download when
// any nested item's type — with the redundant "chatrecord" suffix the
// forwarding format appends stripped — falls outside the allow-list.
func NeedsDownload(e *domain.Envelope) bool {
	switch strings.ToLower(e.Action) {
	case "recall", domain.ActionSwitch:
		return false
	}
	msgType := strings.ToLower(e.MsgType)
	switch msgType {
	case "mixed", "chatrecord":
		return compositeNeedsDownload(e.Section(msgType), msgType == "chatrecord")
	}
	return !AllowListed(msgType)
}

func compositeNeedsDownload(section map[string]any, forwarded bool) bool {
	items, _ := section["item"].([]any)
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		raw, ok := obj["type"].(string)
		if !ok {
			if forwarded {
				continue
			}
			return true
		}
		if !AllowListed(StripForwardSuffix(raw)) {
			return true
		}
	}
	return false
}

// StripForwardSuffix removes the redundant "chatrecord" tag forwarded
// records append to their nested item types and lowercases the result.
func StripForwardSuffix(itemType string) string {
	return strings.ReplaceAll(strings.ToLower(itemType), "chatrecord", "")
}

// Normalize remaps raw wire type names onto the canonical section names
// used to locate the attachment descriptor in the payload.
func Normalize(msgType string) string {
	switch strings.ToLower(msgType) {
	case "docmsg":
		return "doc"
	case "markdown", "news", "qydiskfile", "voiptext":
		return "info"
	case "external_redpacket":
		return "redpacket"
	default:
		return msgType
	}
}

// DownloadKind enumerates the attachment families the download engine
// handles; everything else passes through untouched.
type DownloadKind int

const (
	KindOther DownloadKind = iota
	KindImage
	KindVoice
	KindVideo
	KindEmotion
	KindFile
	KindMeetingVoice
	KindVoipDocShare
	KindMixed
	KindChatRecord
)

// Kind maps a raw message type to its download family.
func Kind(msgType string) DownloadKind {
	switch strings.ToLower(msgType) {
	case "image":
		return KindImage
	case "voice":
		return KindVoice
	case "video":
		return KindVideo
	case "emotion":
		return KindEmotion
	case "file":
		return KindFile
	case "meeting_voice_call":
		return KindMeetingVoice
	case "voip_doc_share":
		return KindVoipDocShare
	case "mixed":
		return KindMixed
	case "chatrecord":
		return KindChatRecord
	default:
		return KindOther
	}
}

// Ext returns the staging-file extension for a download kind. Emotion
// subtype 1 is the animated format (.gif); everything else is .png.
func Ext(kind DownloadKind, emotionSubtype int) string {
	switch kind {
	case KindImage:
		return ".jpg"
	case KindVoice:
		return ".amr"
	case KindVideo:
		return ".mp4"
	case KindMeetingVoice:
		return ".mp3"
	case KindEmotion:
		if emotionSubtype == 1 {
			return ".gif"
		}
		return ".png"
	default:
		return ""
	}
}

// ItemExt returns the extension for a nested composite item type.
func ItemExt(itemType string, emotionSubtype int) string {
	switch itemType {
	case "image":
		return ".jpg"
	case "voice":
		return ".amr"
	case "video":
		return ".mp4"
	case "emotion":
		if emotionSubtype == 1 {
			return ".gif"
		}
		return ".jpg"
	default:
		return ""
	}
}
