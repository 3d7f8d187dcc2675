// Code generated manually. DO NOT EDIT.

package mocks

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/williamokano/s3lite/pkg/storage"
)

// MockTransport is a mock implementation of the storage.Transport interface
type MockTransport struct {
	mock.Mock
}

// Send provides a mock function with given fields: ctx, method, url, header, body
func (m *MockTransport) Send(ctx context.Context, method string, url string, header http.Header, body io.Reader) (*storage.Response, error) {
	ret := m.Called(ctx, method, url, header, body)

	var r0 *storage.Response
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, string, http.Header, io.Reader) (*storage.Response, error)); ok {
		return rf(ctx, method, url, header, body)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string, string, http.Header, io.Reader) *storage.Response); ok {
		r0 = rf(ctx, method, url, header, body)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*storage.Response)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string, string, http.Header, io.Reader) error); ok {
		r1 = rf(ctx, method, url, header, body)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockTransport creates a new instance of MockTransport
func NewMockTransport(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockTransport {
	mock_1 := &MockTransport{}
	mock_1.Mock.Test(t)

	t.Cleanup(func() { mock_1.AssertExpectations(t) })

	return mock_1
}

// MockObserver is a mock implementation of the storage.Observer interface
type MockObserver struct {
	mock.Mock
}

// ObserveRequest provides a mock function with given fields: op, status, duration, err
func (m *MockObserver) ObserveRequest(op string, status int, duration time.Duration, err error) {
	m.Called(op, status, duration, err)
}

// ObserveRetry provides a mock function with given fields: op
func (m *MockObserver) ObserveRetry(op string) {
	m.Called(op)
}

// ObserveBytes provides a mock function with given fields: direction, n
func (m *MockObserver) ObserveBytes(direction string, n int64) {
	m.Called(direction, n)
}

// NewMockObserver creates a new instance of MockObserver
func NewMockObserver(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockObserver {
	mock_1 := &MockObserver{}
	mock_1.Mock.Test(t)

	t.Cleanup(func() { mock_1.AssertExpectations(t) })

	return mock_1
}
