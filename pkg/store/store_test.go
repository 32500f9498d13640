package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NivBraz/groupcount-service/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeTweets(n int) []models.Tweet {
	tweets := make([]models.Tweet, n)
	for i := range tweets {
		tweets[i] = models.Tweet{
			TweetID:   fmt.Sprintf("t%03d", i),
			Author:    fmt.Sprintf("author%d", i%3),
			Content:   "hello",
			Favorites: int64(i),
			TweetDate: "2014-02-13T10:00:00Z",
		}
	}
	return tweets
}

func TestOpen_CreatesKeyspaceFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "test")
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, filepath.Join(dir, "test.db"), s.Path())
	assert.Equal(t, "test", s.Keyspace())
}

func TestOpen_InvalidKeyspace(t *testing.T) {
	_, err := Open(t.TempDir(), "bad-name;")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestOpenExisting(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenExisting(dir, "missing")
	assert.ErrorIs(t, err, ErrKeyspaceNotFound)
	_, err = os.Stat(filepath.Join(dir, "missing.db"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = OpenExisting(filepath.Join(dir, "nodir"), "test")
	assert.ErrorIs(t, err, ErrKeyspaceNotFound)
	_, err = os.Stat(filepath.Join(dir, "nodir"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = OpenExisting(dir, "bad-name;")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	created, err := Open(dir, "test")
	require.NoError(t, err)
	require.NoError(t, created.Close())

	s, err := OpenExisting(dir, "test")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, filepath.Join(dir, "test.db"), s.Path())
}

func TestInsertAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTweetTable(ctx, "tweets"))
	require.NoError(t, s.InsertTweets(ctx, "tweets", makeTweets(10)))

	n, err := s.Count(ctx, "tweets")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	// Upsert by id keeps the row count stable.
	require.NoError(t, s.InsertTweets(ctx, "tweets", makeTweets(10)))
	n, err = s.Count(ctx, "tweets")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestInsert_RejectsMissingID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTweetTable(ctx, "tweets"))

	err := s.InsertTweets(ctx, "tweets", []models.Tweet{{Author: "x"}})
	assert.Error(t, err)
}

func TestColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Columns(ctx, "tweets")
	assert.ErrorIs(t, err, ErrTableNotFound)

	require.NoError(t, s.CreateTweetTable(ctx, "tweets"))
	cols, err := s.Columns(ctx, "tweets")
	require.NoError(t, err)
	assert.Equal(t, []string{"tweet_id", "author", "content", "favorite_count", "retweet_count", "tweet_date"}, cols)
}

func TestMissingTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Count(ctx, "missing")
	assert.ErrorIs(t, err, ErrTableNotFound)

	_, err = s.Partitions(ctx, "missing", 2)
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestPartitions_CoverAllRows(t *testing.T) {
	tests := []struct {
		name      string
		rows      int
		requested int
		wantMax   int
	}{
		{"empty table", 0, 4, 0},
		{"fewer rows than partitions", 3, 8, 3},
		{"even split", 12, 4, 4},
		{"uneven split", 10, 3, 3},
		{"single partition", 7, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			require.NoError(t, s.CreateTweetTable(ctx, "tweets"))
			require.NoError(t, s.InsertTweets(ctx, "tweets", makeTweets(tt.rows)))

			ranges, err := s.Partitions(ctx, "tweets", tt.requested)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(ranges), tt.wantMax)

			seen := make(map[string]int)
			for i, rng := range ranges {
				assert.Equal(t, i, rng.Index)
				assert.LessOrEqual(t, rng.Start, rng.End)
				if i > 0 {
					assert.Equal(t, ranges[i-1].End+1, rng.Start, "ranges must be contiguous")
				}

				rows, _, err := s.Scan(ctx, "tweets", rng, 0, 1000)
				require.NoError(t, err)
				for _, row := range rows {
					seen[row["tweet_id"].(string)]++
				}
			}

			assert.Len(t, seen, tt.rows)
			for id, n := range seen {
				assert.Equal(t, 1, n, "row %s served more than once", id)
			}
		})
	}
}

func TestPartitions_InvalidCount(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Partitions(context.Background(), "tweets", 0)
	assert.Error(t, err)
}

func TestScan_Pages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTweetTable(ctx, "tweets"))
	require.NoError(t, s.InsertTweets(ctx, "tweets", makeTweets(7)))

	ranges, err := s.Partitions(ctx, "tweets", 1)
	require.NoError(t, err)
	require.Len(t, ranges, 1)

	var (
		all   []Row
		after int64
	)
	for {
		rows, last, err := s.Scan(ctx, "tweets", ranges[0], after, 3)
		require.NoError(t, err)
		if len(rows) == 0 {
			assert.Equal(t, after, last)
			break
		}
		assert.Greater(t, last, after)
		after = last
		all = append(all, rows...)
	}

	require.Len(t, all, 7)
	assert.Equal(t, "t000", all[0]["tweet_id"])
	assert.Equal(t, "author0", all[0]["author"])
	assert.Equal(t, int64(6), all[6]["favorite_count"])
	assert.NotContains(t, all[0], "__rowid")
}

func TestScan_InvalidLimit(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Scan(context.Background(), "tweets", TokenRange{Start: 1, End: 2}, 0, 0)
	assert.Error(t, err)
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("tweets"))
	assert.NoError(t, ValidateIdentifier("_t1"))
	assert.ErrorIs(t, ValidateIdentifier("1abc"), ErrInvalidIdentifier)
	assert.ErrorIs(t, ValidateIdentifier("a b"), ErrInvalidIdentifier)
	assert.ErrorIs(t, ValidateIdentifier("t; DROP TABLE x"), ErrInvalidIdentifier)
}
