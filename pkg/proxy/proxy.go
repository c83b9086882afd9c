package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/mesherr"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// HeaderRequestID 请求ID头
const HeaderRequestID = "X-Request-ID"

// StatusClientClosedRequest 客户端在响应前断开连接
const StatusClientClosedRequest = 499

// Resolver 将请求路径解析为逻辑服务名
type Resolver interface {
	Resolve(path string) (string, error)
}

// Selector 为逻辑服务选择一个实例
type Selector interface {
	SelectInstance(name string) (model.ServiceInstance, error)
}

// Record 一次代理请求的结果
type Record struct {
	Method   string
	Path     string
	Service  string
	Instance string
	Status   int
	Latency  time.Duration
	Code     mesherr.Code // 失败时的错误代码，成功为0
}

// Recorder 接收代理请求结果，用于指标统计
type Recorder interface {
	Record(rec Record)
}

// Limiter 限制单个后端实例的并发请求，返回的release必须被调用
type Limiter interface {
	Acquire(ctx context.Context, key model.InstanceKey) (release func(), err error)
}

type unlimited struct{}

func (unlimited) Acquire(context.Context, model.InstanceKey) (func(), error) {
	return func() {}, nil
}

type nopRecorder struct{}

func (nopRecorder) Record(Record) {}

// Options 代理参数
type Options struct {
	Timeout   time.Duration     // 单次上游请求超时
	Transport http.RoundTripper // 为nil时使用默认连接池
	Recorder  Recorder
	Limiter   Limiter
}

// Proxy 根据路由表把请求转发到选中的实例
type Proxy struct {
	routes    Resolver
	instances Selector
	transport http.RoundTripper
	timeout   time.Duration
	recorder  Recorder
	limiter   Limiter
	logger    config.Logger
}

// New 创建代理
func New(routes Resolver, instances Selector, opts Options, logger config.Logger) *Proxy {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Transport == nil {
		opts.Transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   opts.Timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Limiter == nil {
		opts.Limiter = unlimited{}
	}
	return &Proxy{
		routes:    routes,
		instances: instances,
		transport: opts.Transport,
		timeout:   opts.Timeout,
		recorder:  opts.Recorder,
		limiter:   opts.Limiter,
		logger:    logger,
	}
}

// Forward 转发请求
//
// 在写出响应头之前失败时返回*mesherr.MeshError，由调用方转换为HTTP响应；
// 上游响应一旦开始写出，后续错误只记录日志。
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request) error {
	start := time.Now()
	rec := Record{Method: r.Method, Path: r.URL.Path}

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = w.Header().Get(HeaderRequestID)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	fail := func(err error) error {
		rec.Code = codeOf(err)
		rec.Status = mesherr.HTTPStatus(rec.Code)
		p.finish(rec, start, requestID, err)
		return err
	}

	service, err := p.routes.Resolve(r.URL.Path)
	if err != nil {
		return fail(err)
	}
	rec.Service = service

	inst, err := p.instances.SelectInstance(service)
	if err != nil {
		return fail(err)
	}
	rec.Instance = inst.Address()

	release, err := p.limiter.Acquire(r.Context(), inst.Key())
	if err != nil {
		return fail(mesherr.NewServiceUnavailableError(service))
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	outReq, err := p.outboundRequest(ctx, r, inst, requestID)
	if err != nil {
		return fail(mesherr.NewGatewayInternalError())
	}

	resp, err := p.transport.RoundTrip(outReq)
	if err != nil {
		if r.Context().Err() != nil {
			// 客户端已断开，没有可以写回的对象
			rec.Status = StatusClientClosedRequest
			p.finish(rec, start, requestID, err)
			return nil
		}
		return fail(classify(ctx, err, service))
	}
	defer resp.Body.Close()

	header := w.Header()
	copyHeader(header, resp.Header)
	removeHopHeaders(header)
	header.Del("Content-Length")
	header.Set(HeaderRequestID, requestID)

	w.WriteHeader(resp.StatusCode)
	rec.Status = resp.StatusCode

	var copyErr error
	if _, err := io.Copy(flushWriter{w}, resp.Body); err != nil {
		copyErr = err
	}
	p.finish(rec, start, requestID, copyErr)
	return nil
}

func (p *Proxy) outboundRequest(ctx context.Context, r *http.Request, inst model.ServiceInstance, requestID string) (*http.Request, error) {
	target := &url.URL{
		Scheme:   "http",
		Host:     inst.Address(),
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	outReq.ContentLength = r.ContentLength
	if r.ContentLength == 0 {
		outReq.Body = http.NoBody
	}

	copyHeader(outReq.Header, r.Header)
	removeHopHeaders(outReq.Header)
	addForwardedHeaders(outReq.Header, r)
	outReq.Header.Set(HeaderRequestID, requestID)
	return outReq, nil
}

func (p *Proxy) finish(rec Record, start time.Time, requestID string, err error) {
	rec.Latency = time.Since(start)
	p.recorder.Record(rec)

	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("method", rec.Method),
		zap.String("path", rec.Path),
		zap.String("service", rec.Service),
		zap.String("instance", rec.Instance),
		zap.Int("status", rec.Status),
		zap.Duration("latency", rec.Latency),
	}

	switch {
	case rec.Status == StatusClientClosedRequest:
		p.logger.Warn("客户端断开连接，已取消上游请求", append(fields, zap.Error(err))...)
	case rec.Code == mesherr.GatewayInternal:
		p.logger.Error("代理请求失败", append(fields, zap.Error(err))...)
	case rec.Code != 0:
		p.logger.Warn("代理请求失败", append(fields, zap.String("code", rec.Code.String()), zap.Error(err))...)
	case err != nil:
		p.logger.Warn("上游响应传输中断", append(fields, zap.Error(err))...)
	default:
		p.logger.Info("代理请求完成", fields...)
	}
}

// classify 把传输层错误转换为网关错误
func classify(ctx context.Context, err error, service string) *mesherr.MeshError {
	if isConnectError(err) {
		return mesherr.NewServiceUnavailableError(service)
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return mesherr.NewUpstreamTimeoutError(service)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return mesherr.NewUpstreamTimeoutError(service)
	}
	return mesherr.NewGatewayInternalError()
}

func isConnectError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout() {
		return true
	}
	return false
}

func codeOf(err error) mesherr.Code {
	if me, ok := mesherr.As(err); ok {
		return me.Code
	}
	return mesherr.GatewayInternal
}

// flushWriter 每次写入后刷新，保证流式响应及时送达
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}
