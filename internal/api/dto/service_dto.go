package dto

import "github.com/cuongbtq/account-sync/internal/domain"

type RunServiceResponse struct {
	Service string `json:"service"`
	Status  string `json:"status"`
}

type PaginationQueueResponse struct {
	Size int                    `json:"size"`
	Jobs []domain.PaginationJob `json:"jobs"`
}
