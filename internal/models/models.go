package models

// Tweet is the record served by the extractor for the tweets table.
type Tweet struct {
	TweetID   string `yaml:"tweetId" json:"tweetId"`
	Author    string `yaml:"author" json:"author"`
	Content   string `yaml:"content" json:"content"`
	Favorites int64  `yaml:"favorites" json:"favorites"`
	Retweets  int64  `yaml:"retweets" json:"retweets"`
	TweetDate string `yaml:"tweetDate" json:"tweetDate"`
}

type GroupCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type Result struct {
	Job       string       `json:"job"`
	SessionID string       `json:"sessionId"`
	Column    string       `json:"column"`
	Counts    []GroupCount `json:"counts"`
	Stats     struct {
		Records     int   `json:"records"`
		Groups      int   `json:"groups"`
		Partitions  int   `json:"partitions"`
		Served      int64 `json:"served"`
		TimeElapsed int   `json:"timeElapsedMs"`
	} `json:"stats"`
}
