// Package github provides webhook classification and the GitHub API client
// used to report session outcomes back on pull requests.
package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// RejectionReason enumerates why an event did not qualify for dispatch.
// Rejections are classification outcomes, not errors; they are consumed
// only for logging.
type RejectionReason string

const (
	// ReasonWrongAction means the action was not a "created" action.
	ReasonWrongAction RejectionReason = "wrong-action"
	// ReasonActorNotAllowed means the commenter is not on the allow-list.
	ReasonActorNotAllowed RejectionReason = "actor-not-allowed"
	// ReasonUnrecognizedShape means the event is not one of the two
	// recognized comment shapes.
	ReasonUnrecognizedShape RejectionReason = "unrecognized-shape"
	// ReasonMissingField means a required payload field was absent.
	ReasonMissingField RejectionReason = "missing-field"
)

// Rejection reports a non-qualifying event.
type Rejection struct {
	Reason RejectionReason
	Detail string
}

func (r *Rejection) String() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s (%s)", r.Reason, r.Detail)
}

// DispatchFields is the canonical extract of a qualifying comment event:
// everything needed to build a Devin task and track it.
type DispatchFields struct {
	// SourceKey is a deterministic fingerprint of the triggering comment,
	// "owner/repo/<pr-number>/c<comment-id>". It deduplicates redelivered
	// webhooks.
	SourceKey string

	// Repo is the full repository name ("owner/repo").
	Repo string

	// PRNumber is the pull request the comment was left on.
	PRNumber int

	// PRURL is the canonical URL of that pull request.
	PRURL string

	// CommentBody is the raw review comment text.
	CommentBody string

	// CommentUser is the GitHub login of the commenter.
	CommentUser string
}

// Classify decides whether a webhook event qualifies for dispatch. It is a
// pure function of the event type header, the raw payload, and the allowed
// commenter logins. An event qualifies iff its action is "created", the
// commenter is on the allow-list, and it is an "issue_comment" on a pull
// request or a "pull_request_review_comment". Non-qualifying events return a
// *Rejection; the error return is reserved for malformed JSON.
func Classify(eventType string, payload []byte, allowedUsers []string) (*DispatchFields, *Rejection, error) {
	switch eventType {
	case "issue_comment":
		return classifyIssueComment(payload, allowedUsers)
	case "pull_request_review_comment":
		return classifyReviewComment(payload, allowedUsers)
	default:
		return nil, &Rejection{Reason: ReasonUnrecognizedShape, Detail: eventType}, nil
	}
}

func classifyIssueComment(payload []byte, allowedUsers []string) (*DispatchFields, *Rejection, error) {
	var p struct {
		Action string `json:"action"`
		Issue  struct {
			Number      int `json:"number"`
			PullRequest *struct {
				HTMLURL string `json:"html_url"`
			} `json:"pull_request"`
		} `json:"issue"`
		Comment struct {
			ID   int64  `json:"id"`
			Body string `json:"body"`
			User struct {
				Login string `json:"login"`
			} `json:"user"`
		} `json:"comment"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, nil, fmt.Errorf("parsing issue_comment payload: %w", err)
	}

	if p.Action != "created" {
		return nil, &Rejection{Reason: ReasonWrongAction, Detail: p.Action}, nil
	}
	// Comments on plain issues are not review feedback.
	if p.Issue.PullRequest == nil {
		return nil, &Rejection{Reason: ReasonUnrecognizedShape, Detail: "issue comment outside a pull request"}, nil
	}
	if !allowed(p.Comment.User.Login, allowedUsers) {
		return nil, &Rejection{Reason: ReasonActorNotAllowed, Detail: p.Comment.User.Login}, nil
	}

	prURL := p.Issue.PullRequest.HTMLURL
	if prURL == "" && p.Repository.FullName != "" && p.Issue.Number != 0 {
		prURL = fmt.Sprintf("https://github.com/%s/pull/%d", p.Repository.FullName, p.Issue.Number)
	}

	return build(DispatchFields{
		Repo:        p.Repository.FullName,
		PRNumber:    p.Issue.Number,
		PRURL:       prURL,
		CommentBody: p.Comment.Body,
		CommentUser: p.Comment.User.Login,
	}, p.Comment.ID)
}

func classifyReviewComment(payload []byte, allowedUsers []string) (*DispatchFields, *Rejection, error) {
	var p struct {
		Action      string `json:"action"`
		PullRequest struct {
			Number  int    `json:"number"`
			HTMLURL string `json:"html_url"`
		} `json:"pull_request"`
		Comment struct {
			ID   int64  `json:"id"`
			Body string `json:"body"`
			User struct {
				Login string `json:"login"`
			} `json:"user"`
		} `json:"comment"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, nil, fmt.Errorf("parsing pull_request_review_comment payload: %w", err)
	}

	if p.Action != "created" {
		return nil, &Rejection{Reason: ReasonWrongAction, Detail: p.Action}, nil
	}
	if !allowed(p.Comment.User.Login, allowedUsers) {
		return nil, &Rejection{Reason: ReasonActorNotAllowed, Detail: p.Comment.User.Login}, nil
	}

	return build(DispatchFields{
		Repo:        p.Repository.FullName,
		PRNumber:    p.PullRequest.Number,
		PRURL:       p.PullRequest.HTMLURL,
		CommentBody: p.Comment.Body,
		CommentUser: p.Comment.User.Login,
	}, p.Comment.ID)
}

func build(f DispatchFields, commentID int64) (*DispatchFields, *Rejection, error) {
	switch {
	case f.Repo == "":
		return nil, &Rejection{Reason: ReasonMissingField, Detail: "repository.full_name"}, nil
	case f.PRNumber == 0:
		return nil, &Rejection{Reason: ReasonMissingField, Detail: "pull request number"}, nil
	case f.PRURL == "":
		return nil, &Rejection{Reason: ReasonMissingField, Detail: "pull request url"}, nil
	case f.CommentBody == "":
		return nil, &Rejection{Reason: ReasonMissingField, Detail: "comment.body"}, nil
	case commentID == 0:
		return nil, &Rejection{Reason: ReasonMissingField, Detail: "comment.id"}, nil
	}
	f.SourceKey = fmt.Sprintf("%s/%d/c%d", f.Repo, f.PRNumber, commentID)
	return &f, nil, nil
}

func allowed(login string, allowedUsers []string) bool {
	for _, u := range allowedUsers {
		if login == u {
			return true
		}
	}
	return false
}

// VerifySignature checks the HMAC-SHA256 signature GitHub sends in the
// X-Hub-Signature-256 header, using a constant-time comparison.
func VerifySignature(payload []byte, signature, secret string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	return hmac.Equal(decoded, expected)
}
