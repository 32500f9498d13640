package mapper

import (
	"reflect"
	"testing"

	"github.com/NivBraz/groupcount-service/internal/models"
)

func TestToTweet(t *testing.T) {
	tests := []struct {
		name     string
		row      map[string]any
		expected models.Tweet
		wantErr  bool
	}{
		{
			name: "Store Row",
			row: map[string]any{
				"tweet_id": "1", "author": "raffenne", "content": "hola",
				"favorite_count": int64(3), "retweet_count": int64(1), "tweet_date": "2014-02-13",
			},
			expected: models.Tweet{TweetID: "1", Author: "raffenne", Content: "hola", Favorites: 3, Retweets: 1, TweetDate: "2014-02-13"},
		},
		{
			name: "Wire Row With Float Numbers",
			row: map[string]any{
				"tweet_id": "2", "author": "a", "favorite_count": float64(7), "retweet_count": float64(0),
			},
			expected: models.Tweet{TweetID: "2", Author: "a", Favorites: 7},
		},
		{
			name:     "Missing Optional Columns",
			row:      map[string]any{"tweet_id": "3", "extra": true},
			expected: models.Tweet{TweetID: "3"},
		},
		{
			name:     "Numeric Id",
			row:      map[string]any{"tweet_id": float64(42)},
			expected: models.Tweet{TweetID: "42"},
		},
		{
			name:    "Missing Id",
			row:     map[string]any{"author": "a"},
			wantErr: true,
		},
		{
			name:    "Fractional Count",
			row:     map[string]any{"tweet_id": "4", "favorite_count": 1.5},
			wantErr: true,
		},
		{
			name:    "Wrong Type",
			row:     map[string]any{"tweet_id": "5", "author": []string{"x"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToTweet(tt.row)
			if (err != nil) != tt.wantErr {
				t.Errorf("ToTweet() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("ToTweet() = %+v, want %+v", got, tt.expected)
			}
		})
	}
}

func TestKeyFunc(t *testing.T) {
	tw := models.Tweet{
		TweetID: "9", Author: "emma", Content: "hi",
		Favorites: 12, Retweets: 4, TweetDate: "2014-02-13T18:20:00Z",
	}

	tests := []struct {
		column  string
		want    string
		wantErr bool
	}{
		{ColumnAuthor, "emma", false},
		{ColumnTweetID, "9", false},
		{ColumnContent, "hi", false},
		{ColumnFavorites, "12", false},
		{ColumnRetweets, "4", false},
		{ColumnTweetDate, "2014-02-13", false},
		{"nope", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			key, err := KeyFunc(tt.column)
			if (err != nil) != tt.wantErr {
				t.Fatalf("KeyFunc(%q) error = %v, wantErr %v", tt.column, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := key(tw); got != tt.want {
				t.Errorf("key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDay(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2014-02-13T10:00:00Z", "2014-02-13"},
		{"2014-02-13T10:00:00.123+01:00", "2014-02-13"},
		{"2014-02-13 23:59:59", "2014-02-13"},
		{"2014-02-13", "2014-02-13"},
		{"yesterday", "yesterday"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Day(tt.in); got != tt.want {
			t.Errorf("Day(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSortGroupCounts(t *testing.T) {
	tests := []struct {
		name     string
		input    []models.GroupCount
		expected []models.GroupCount
	}{
		{
			name: "Different Counts",
			input: []models.GroupCount{
				{Key: "a", Count: 1},
				{Key: "b", Count: 3},
				{Key: "c", Count: 2},
			},
			expected: []models.GroupCount{
				{Key: "b", Count: 3},
				{Key: "c", Count: 2},
				{Key: "a", Count: 1},
			},
		},
		{
			name: "Same Counts",
			input: []models.GroupCount{
				{Key: "zeta", Count: 2},
				{Key: "alpha", Count: 2},
				{Key: "", Count: 2},
			},
			expected: []models.GroupCount{
				{Key: "", Count: 2},
				{Key: "alpha", Count: 2},
				{Key: "zeta", Count: 2},
			},
		},
		{
			name:     "Empty Slice",
			input:    []models.GroupCount{},
			expected: []models.GroupCount{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SortGroupCounts(tt.input)
			if !reflect.DeepEqual(tt.input, tt.expected) {
				t.Errorf("SortGroupCounts() = %v, want %v", tt.input, tt.expected)
			}
		})
	}
}
