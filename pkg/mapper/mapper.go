// pkg/mapper/mapper.go
package mapper

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/NivBraz/groupcount-service/internal/models"
)

// Column names of the tweets table.
const (
	ColumnTweetID   = "tweet_id"
	ColumnAuthor    = "author"
	ColumnContent   = "content"
	ColumnFavorites = "favorite_count"
	ColumnRetweets  = "retweet_count"
	ColumnTweetDate = "tweet_date"
)

// ToTweet maps a table row onto a Tweet. Unknown columns are ignored.
func ToTweet(row map[string]any) (models.Tweet, error) {
	var tw models.Tweet
	var err error

	if tw.TweetID, err = stringField(row, ColumnTweetID); err != nil {
		return tw, err
	}
	if tw.TweetID == "" {
		return tw, fmt.Errorf("row without %s", ColumnTweetID)
	}
	if tw.Author, err = stringField(row, ColumnAuthor); err != nil {
		return tw, err
	}
	if tw.Content, err = stringField(row, ColumnContent); err != nil {
		return tw, err
	}
	if tw.TweetDate, err = stringField(row, ColumnTweetDate); err != nil {
		return tw, err
	}
	if tw.Favorites, err = intField(row, ColumnFavorites); err != nil {
		return tw, err
	}
	if tw.Retweets, err = intField(row, ColumnRetweets); err != nil {
		return tw, err
	}
	return tw, nil
}

// KeyFunc returns the grouping key extractor for column.
func KeyFunc(column string) (func(models.Tweet) string, error) {
	switch column {
	case ColumnAuthor:
		return func(t models.Tweet) string { return t.Author }, nil
	case ColumnTweetID:
		return func(t models.Tweet) string { return t.TweetID }, nil
	case ColumnContent:
		return func(t models.Tweet) string { return t.Content }, nil
	case ColumnTweetDate:
		return func(t models.Tweet) string { return Day(t.TweetDate) }, nil
	case ColumnFavorites:
		return func(t models.Tweet) string { return strconv.FormatInt(t.Favorites, 10) }, nil
	case ColumnRetweets:
		return func(t models.Tweet) string { return strconv.FormatInt(t.Retweets, 10) }, nil
	}
	return nil, fmt.Errorf("cannot group by unknown column %q", column)
}

// Day truncates a timestamp to its calendar date. Values that do not
// parse are returned unchanged.
func Day(ts string) string {
	ts = strings.TrimSpace(ts)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ts
}

// SortGroupCounts sorts group counts by count (descending) and by key for ties
func SortGroupCounts(counts []models.GroupCount) {
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count == counts[j].Count {
			return counts[i].Key < counts[j].Key
		}
		return counts[i].Count > counts[j].Count
	})
}

func stringField(row map[string]any, name string) (string, error) {
	switch v := row[name].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("column %s: unexpected type %T", name, v)
	}
}

func intField(row map[string]any, name string) (int64, error) {
	switch v := row[name].(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("column %s: %v is not an integer", name, v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("column %s: %w", name, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("column %s: unexpected type %T", name, v)
	}
}
