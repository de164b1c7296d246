package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"marketwatch/watcher-service/internal/model"
)

// ErrSellerNotFound means the marketplace has no profile for the id.
var ErrSellerNotFound = errors.New("seller not found")

type userResponse struct {
	User *userProfile `json:"user"`
}

type verification struct {
	Valid bool `json:"valid"`
}

type userProfile struct {
	ID                    json.Number `json:"id"`
	Login                 string      `json:"login"`
	ProfileURL            string      `json:"profile_url"`
	CountryCode           string      `json:"country_code"`
	CountryTitle          string      `json:"country_title"`
	City                  string      `json:"city"`
	ItemCount             int         `json:"item_count"`
	TotalItemsCount       int         `json:"total_items_count"`
	FollowersCount        int         `json:"followers_count"`
	FollowingCount        int         `json:"following_count"`
	PositiveFeedbackCount int         `json:"positive_feedback_count"`
	NegativeFeedbackCount int         `json:"negative_feedback_count"`
	NeutralFeedbackCount  int         `json:"neutral_feedback_count"`
	FeedbackCount         int         `json:"feedback_count"`
	FeedbackReputation    float64     `json:"feedback_reputation"`
	Verification          struct {
		Email    verification `json:"email"`
		Facebook verification `json:"facebook"`
		Google   verification `json:"google"`
	} `json:"verification"`
	Business        bool     `json:"business"`
	IsAccountBanned bool     `json:"is_account_banned"`
	LastLoggedOnTS  string   `json:"last_loged_on_ts"` // sic, API spelling
	AvgResponseTime *float64 `json:"avg_response_time"`
	Photo           *struct {
		URL string `json:"url"`
	} `json:"photo"`
	About string `json:"about"`
}

// FetchSeller loads the public profile of a seller. A missing profile is
// reported as ErrSellerNotFound.
func (c *Client) FetchSeller(ctx context.Context, sellerID string) (model.Seller, error) {
	endpoint := c.baseURL + "api/v2/users/" + url.PathEscape(sellerID)

	body, err := c.Get(ctx, endpoint, nil)
	if err != nil {
		var rf *RequestFailedError
		if errors.As(err, &rf) && rf.StatusCode == http.StatusNotFound {
			return model.Seller{}, fmt.Errorf("seller %s: %w", sellerID, ErrSellerNotFound)
		}
		return model.Seller{}, err
	}

	var resp userResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.Seller{}, fmt.Errorf("seller %s: json unmarshal: %w", sellerID, err)
	}
	if resp.User == nil || resp.User.ID.String() == "" {
		return model.Seller{}, fmt.Errorf("seller %s: %w", sellerID, ErrSellerNotFound)
	}
	return mapSeller(resp.User), nil
}

func mapSeller(u *userProfile) model.Seller {
	s := model.Seller{
		ExternalID:       u.ID.String(),
		Login:            u.Login,
		ProfileURL:       u.ProfileURL,
		CountryCode:      u.CountryCode,
		CountryTitle:     u.CountryTitle,
		City:             u.City,
		ItemCount:        u.ItemCount,
		TotalItemsCount:  u.TotalItemsCount,
		FollowersCount:   u.FollowersCount,
		FollowingCount:   u.FollowingCount,
		PositiveFeedback: u.PositiveFeedbackCount,
		NegativeFeedback: u.NegativeFeedbackCount,
		NeutralFeedback:  u.NeutralFeedbackCount,
		FeedbackCount:    u.FeedbackCount,
		Reputation:       u.FeedbackReputation,
		EmailVerified:    u.Verification.Email.Valid,
		FacebookVerified: u.Verification.Facebook.Valid,
		GoogleVerified:   u.Verification.Google.Valid,
		Business:         u.Business,
		Banned:           u.IsAccountBanned,
		About:            u.About,
	}
	if u.LastLoggedOnTS != "" {
		if ts, err := time.Parse(time.RFC3339, u.LastLoggedOnTS); err == nil {
			s.LastSeenAt = &ts
		}
	}
	if u.AvgResponseTime != nil {
		v := int(*u.AvgResponseTime)
		s.AvgResponseTime = &v
	}
	if u.Photo != nil {
		s.PhotoURL = u.Photo.URL
	}
	return s
}
