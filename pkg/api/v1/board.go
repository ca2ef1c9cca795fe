package v1

import "time"

// Board represents a task board owned by a manager agent
type Board struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateBoardRequest for creating a new board
type CreateBoardRequest struct {
	Title string `json:"title" binding:"required,max=255"`
}

// UpdateBoardRequest for retitling a board
type UpdateBoardRequest struct {
	Title string `json:"title" binding:"required,max=255"`
}
