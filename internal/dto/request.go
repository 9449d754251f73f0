package dto

type EnqueueRequest struct {
	URL          string `json:"url" binding:"required"`
	Directory    string `json:"directory"`
	FileName     string `json:"file_name"`
	Source       string `json:"source"`
	RepoID       string `json:"repo_id"`
	RepoPath     string `json:"repo_path"`
	Priority     int    `json:"priority"`
	ExpectedHash string `json:"expected_hash"`
	HashAlgo     string `json:"hash_algo"`
}

type ConcurrencyRequest struct {
	Limit int `json:"limit" binding:"required"`
}
