package server

import (
	"context"

	"github.com/MrCodeEU/rollcall/pkg/pipeline"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

type MockService struct {
	UsersFunc   func(ctx context.Context) ([]storage.User, error)
	PresentFunc func(ctx context.Context) ([]storage.User, error)
	AbsentFunc  func(ctx context.Context) ([]storage.User, error)
	EnrollFunc  func(ctx context.Context, name string, src pipeline.Source) (*storage.User, error)
	MarkFunc    func(ctx context.Context, src pipeline.Source) (*pipeline.Result, error)
}

func (m *MockService) Users(ctx context.Context) ([]storage.User, error) {
	if m.UsersFunc != nil {
		return m.UsersFunc(ctx)
	}
	return nil, nil
}

func (m *MockService) Present(ctx context.Context) ([]storage.User, error) {
	if m.PresentFunc != nil {
		return m.PresentFunc(ctx)
	}
	return nil, nil
}

func (m *MockService) Absent(ctx context.Context) ([]storage.User, error) {
	if m.AbsentFunc != nil {
		return m.AbsentFunc(ctx)
	}
	return nil, nil
}

func (m *MockService) Enroll(ctx context.Context, name string, src pipeline.Source) (*storage.User, error) {
	if m.EnrollFunc != nil {
		return m.EnrollFunc(ctx, name, src)
	}
	return &storage.User{ID: "u1", Name: name}, nil
}

func (m *MockService) Mark(ctx context.Context, src pipeline.Source) (*pipeline.Result, error) {
	if m.MarkFunc != nil {
		return m.MarkFunc(ctx, src)
	}
	return &pipeline.Result{}, nil
}
