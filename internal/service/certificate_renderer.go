package service

import (
	"bytes"
	"context"
	"course_access_backend/internal/config"
	"course_access_backend/internal/model"
	"course_access_backend/internal/repository"
	"course_access_backend/internal/util"
	"course_access_backend/pkg/events"
	"fmt"
	"image/color"

	"github.com/fogleman/gg"
	"go.uber.org/zap"
	"golang.org/x/image/font"
)

const (
	certificateWidth  = 1600
	certificateHeight = 1130
)

// CertificateRenderer 生成证书 PNG 并上传到对象存储
type CertificateRenderer struct {
	Certificates *repository.CertificateRepository
	Storage      *StorageService
	Log          *zap.Logger

	titleFace font.Face
	bodyFace  font.Face
}

func NewCertificateRenderer(certs *repository.CertificateRepository, storage *StorageService, cfg *config.CertificateConfig, log *zap.Logger) *CertificateRenderer {
	r := &CertificateRenderer{
		Certificates: certs,
		Storage:      storage,
		Log:          log.Named("certificate_renderer"),
	}
	if cfg.FontPath != "" {
		title, err := gg.LoadFontFace(cfg.FontPath, 64)
		if err != nil {
			r.Log.Warn("could not load certificate font, using built-in face", zap.String("font", cfg.FontPath), zap.Error(err))
		} else {
			r.titleFace = title
			r.bodyFace, _ = gg.LoadFontFace(cfg.FontPath, 32)
		}
	}
	return r
}

// Render 绘制证书图片
func (r *CertificateRenderer) Render(cert *model.Certificate) ([]byte, error) {
	dc := gg.NewContext(certificateWidth, certificateHeight)
	w, h := float64(certificateWidth), float64(certificateHeight)

	dc.SetColor(color.RGBA{R: 0xfb, G: 0xf8, B: 0xf1, A: 0xff})
	dc.Clear()

	dc.SetColor(color.RGBA{R: 0x1f, G: 0x3a, B: 0x5f, A: 0xff})
	dc.SetLineWidth(12)
	dc.DrawRectangle(40, 40, w-80, h-80)
	dc.Stroke()
	dc.SetLineWidth(2)
	dc.DrawRectangle(70, 70, w-140, h-140)
	dc.Stroke()

	if r.titleFace != nil {
		dc.SetFontFace(r.titleFace)
	}
	dc.DrawStringAnchored("CERTIFICATE OF COMPLETION", w/2, 240, 0.5, 0.5)

	if r.bodyFace != nil {
		dc.SetFontFace(r.bodyFace)
	}
	dc.SetColor(color.RGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xff})
	dc.DrawStringAnchored("This certifies that", w/2, 380, 0.5, 0.5)

	if r.titleFace != nil {
		dc.SetFontFace(r.titleFace)
	}
	dc.SetColor(color.Black)
	dc.DrawStringAnchored(cert.StudentName, w/2, 470, 0.5, 0.5)

	if r.bodyFace != nil {
		dc.SetFontFace(r.bodyFace)
	}
	dc.SetColor(color.RGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xff})
	dc.DrawStringAnchored("has successfully completed the course", w/2, 570, 0.5, 0.5)
	dc.DrawStringWrapped(cert.CourseName, w/2, 640, 0.5, 0, w-400, 1.4, gg.AlignCenter)

	if cert.CourseWorkload > 0 {
		dc.DrawStringAnchored(fmt.Sprintf("Workload: %d hours", cert.CourseWorkload), w/2, 780, 0.5, 0.5)
	}
	dc.DrawStringAnchored("Issued "+cert.IssuedAt.UTC().Format(util.DateFormat), w/2, 840, 0.5, 0.5)

	dc.DrawStringAnchored("No. "+cert.CertificateNumber, w/2, h-200, 0.5, 0.5)
	dc.DrawStringAnchored(cert.ValidationURL, w/2, h-150, 0.5, 0.5)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HandleIssued certificate.issued 事件处理：渲染、上传并回写 artifactUrl
func (r *CertificateRenderer) HandleIssued(ctx context.Context, evt events.Event) error {
	cert, err := r.Certificates.FindByID(ctx, evt.TargetID)
	if err != nil {
		return fmt.Errorf("load certificate %s: %w", evt.TargetID, err)
	}
	if cert.ArtifactURL != "" {
		return nil
	}

	png, err := r.Render(cert)
	if err != nil {
		return fmt.Errorf("render certificate %s: %w", cert.ID, err)
	}

	key := fmt.Sprintf("certificates/%s.png", cert.CertificateNumber)
	url, err := r.Storage.PutBytes(ctx, key, png, util.MimePNG)
	if err != nil {
		return fmt.Errorf("upload certificate %s: %w", cert.ID, err)
	}
	if err := r.Certificates.SetArtifactURL(ctx, cert.ID, url); err != nil {
		return fmt.Errorf("save artifact url for %s: %w", cert.ID, err)
	}
	r.Log.Info("certificate artifact stored", zap.String("number", cert.CertificateNumber), zap.String("url", url))
	return nil
}
